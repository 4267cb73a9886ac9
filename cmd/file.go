package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/spf13/cobra"
)

var (
	// fileCmd groups the offline content cipher commands.
	fileCmd = &cobra.Command{
		Use:     "file",
		Aliases: []string{"f"},
		Short:   "Encrypt or decrypt files the way the proxy stores them.",
	}
	encryptFileCmd = &cobra.Command{
		Use:   "encrypt SRC DST",
		Short: "Encrypt SRC into DST, ready for upload to a protected path.",
		Args:  cobra.ExactArgs(2),
		RunE:  runFile(true),
	}
	decryptFileCmd = &cobra.Command{
		Use:   "decrypt SRC DST",
		Short: "Decrypt SRC, a file downloaded from the backend, into DST.",
		Args:  cobra.ExactArgs(2),
		RunE:  runFile(false),
	}
)

func init() {
	RootCmd.AddCommand(fileCmd)
	fileCmd.AddCommand(encryptFileCmd, decryptFileCmd)
	for _, c := range []*cobra.Command{encryptFileCmd, decryptFileCmd} {
		addKeyFlags(c)
		c.Flags().Bool("overwrite", false, "Overwrite DST.")
	}
	encryptFileCmd.Flags().Bool("enc-name", false,
		"Also print the obfuscated name SRC should be uploaded as.")
}

func runFile(encrypt bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		password, tag, err := selectKey()
		if err != nil {
			return err
		}
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		n, err := cryptFile(args[0], args[1], password, tag, encrypt, overwrite)
		if err != nil {
			return err
		}
		log.INFO.Printf("Wrote %d bytes to %s", n, args[1])

		if encName, _ := cmd.Flags().GetBool("enc-name"); encrypt && encName {
			name, err := crypt.EncodeName(password, tag, filepath.Base(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Upload as: %s\n", name)
		}
		return nil
	}
}

// cryptFile passes src through a content cipher session into dst. The
// session size is the size of src, which is the same for plaintext and
// ciphertext.
func cryptFile(src, dst, password string, tag crypt.Tag, encrypt, overwrite bool) (n int64, err error) {

	//=====================
	// PREPARE INPUT/OUTPUT
	//=====================

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if st.IsDir() {
		return 0, errors.New("source is a directory")
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(dst, flags, 0600)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cErr := out.Close(); err == nil {
			err = cErr
		}
	}()

	//=================
	// STREAM THE BYTES
	//=================

	sess, err := crypt.NewSession(password, tag, st.Size())
	if err != nil {
		return 0, err
	}
	var r io.Reader
	if encrypt {
		r = sess.EncryptReader(in)
	} else {
		r = sess.DecryptReader(in)
	}
	return io.Copy(out, r)
}
