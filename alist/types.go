package alist

import (
	"encoding/json"
	"path"

	"github.com/blackhillsinfosec/cryptproxy/meta"
)

// CodeOK is the business code of a successful Alist API reply.
const CodeOK = 200

// Response is the envelope wrapping every Alist API reply.
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// PathRequest is the body of /api/fs/get and /api/fs/list. Only the
// fields the proxy touches are typed; the rest are carried through.
type PathRequest map[string]json.RawMessage

// Path returns the requested path.
func (r PathRequest) Path() string {
	var s string
	_ = json.Unmarshal(r["path"], &s)
	return s
}

// SetPath replaces the requested path.
func (r PathRequest) SetPath(p string) {
	r.setString("path", p)
}

func (r PathRequest) setString(k, v string) {
	b, _ := json.Marshal(v)
	r[k] = b
}

// Object is one file object. Unknown fields survive a rewrite.
type Object map[string]json.RawMessage

func (o Object) Name() string {
	var s string
	_ = json.Unmarshal(o["name"], &s)
	return s
}

func (o Object) SetName(name string) {
	o.setString("name", name)
}

func (o Object) Size() int64 {
	var n int64
	_ = json.Unmarshal(o["size"], &n)
	return n
}

func (o Object) IsDir() bool {
	var b bool
	_ = json.Unmarshal(o["is_dir"], &b)
	return b
}

func (o Object) RawURL() string {
	var s string
	_ = json.Unmarshal(o["raw_url"], &s)
	return s
}

func (o Object) Sign() string {
	var s string
	_ = json.Unmarshal(o["sign"], &s)
	return s
}

func (o Object) SetRawURL(u string) {
	o.setString("raw_url", u)
}

func (o Object) setString(k, v string) {
	b, _ := json.Marshal(v)
	o[k] = b
}

// Record converts the object into a FileRecord located in dir.
func (o Object) Record(dir string) meta.FileRecord {
	rec := meta.FileRecord{
		BackendPath: meta.Key(path.Join(dir, o.Name())),
		DisplayName: o.Name(),
		IsDirectory: o.IsDir(),
	}
	if !rec.IsDirectory {
		rec.Size = o.Size()
	}
	return rec
}

// ListData is the data member of a /api/fs/list reply.
type ListData map[string]json.RawMessage

// Content decodes the listed objects.
func (d ListData) Content() ([]Object, error) {
	var objs []Object
	if raw, ok := d["content"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &objs); err != nil {
			return nil, err
		}
	}
	return objs, nil
}

// SetContent replaces the listed objects.
func (d ListData) SetContent(objs []Object) error {
	b, err := json.Marshal(objs)
	if err != nil {
		return err
	}
	d["content"] = b
	return nil
}
