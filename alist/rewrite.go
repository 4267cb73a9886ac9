package alist

import (
	"encoding/json"

	"github.com/blackhillsinfosec/cryptproxy/errs"
	"github.com/blackhillsinfosec/cryptproxy/meta"
)

// Visitor inspects, and may modify, one listed object. rec describes
// the object as the backend reported it.
type Visitor func(obj Object, rec meta.FileRecord)

// RewriteList applies visit to every object of a successful
// /api/fs/list reply. dir is the backend directory that was listed.
func RewriteList(r *Response, dir string, visit Visitor) error {
	if r.Code != CodeOK || len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	var data ListData
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return errs.NewProtocolParse("fs list", dir, err, r.Data)
	}
	objs, err := data.Content()
	if err != nil {
		return errs.NewProtocolParse("fs list", dir, err, r.Data)
	}
	for _, o := range objs {
		visit(o, o.Record(dir))
	}
	if err = data.SetContent(objs); err != nil {
		return err
	}
	r.Data, err = json.Marshal(data)
	return err
}

// RewriteObject applies visit to the object of a successful
// /api/fs/get reply. backendPath is the path that was requested.
func RewriteObject(r *Response, backendPath string, visit Visitor) error {
	if r.Code != CodeOK || len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	var obj Object
	if err := json.Unmarshal(r.Data, &obj); err != nil {
		return errs.NewProtocolParse("fs get", backendPath, err, r.Data)
	}
	rec := obj.Record("/")
	rec.BackendPath = meta.Key(backendPath)
	visit(obj, rec)
	var err error
	r.Data, err = json.Marshal(obj)
	return err
}
