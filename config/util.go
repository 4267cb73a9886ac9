package config

import (
	"errors"
	"fmt"
	"net"
)

// FindInterface iterates over all network interfaces and
// attempts to find one that matches either the interface's
// name or IP address. Wildcard addresses are returned as is.
func FindInterface(target string) (string, error) {

	switch target {
	case "", "0.0.0.0", "::":
		return target, nil
	}

	var err error
	var ifaces []net.Interface
	if ifaces, err = net.Interfaces(); err != nil {
		return target, err
	}

	var addrs []net.Addr

	for _, iface := range ifaces {

		if addrs, err = iface.Addrs(); err != nil {
			return target, err
		}

		if iface.Name == target {

			//====================================
			// PULL IP ADDRESS FROM INTERFACE NAME
			//====================================

			if ip := pickAddr(addrs); ip != "" {
				return ip, nil
			}
			return target, errors.New("failed to get address from interface name")

		}

		//===============================
		// SEARCH FOR MATCHING IP ADDRESS
		//===============================

		for _, iA := range addrs {
			if n, ok := iA.(*net.IPNet); ok && target == n.IP.String() {
				return target, nil
			}
		}
	}

	return target, errors.New(fmt.Sprintf(
		"failed to find requested bind interface %v", target))
}

// pickAddr prefers the first IPv4 address of an interface.
func pickAddr(addrs []net.Addr) (ip string) {
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if n.IP.To4() != nil {
			return n.IP.String()
		}
		if ip == "" {
			ip = n.IP.String()
		}
	}
	return ip
}
