// Package credential replaces symbolic api_key_ref entries in a
// configuration document with the secret read from the referenced file.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loykin/routerctl/internal/doc"
)

const (
	// RefKey names a credential entry instead of embedding the secret.
	RefKey = "api_key_ref"
	// SecretKey receives the literal secret once RefKey is resolved.
	SecretKey = "api_key"
	// ModelListKey holds the entries ResolveModelLists rewrites.
	ModelListKey = "model_list"
)

var (
	ErrUnknownReference       = errors.New("unknown credential reference")
	ErrCredentialFileNotFound = errors.New("credential file not found")
	ErrCredentialNotAFile     = errors.New("credential path is not a regular file")
	ErrCredentialFileEmpty    = errors.New("credential file is empty")
)

// Error describes a failed resolution of one reference.
type Error struct {
	Ref  string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("credential %q: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("credential %q (%s): %v", e.Ref, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver resolves references against a name -> file path table. Each
// reference name is read from disk at most once per Resolver, so one
// Resolver should be used per activation.
type Resolver struct {
	upstream map[string]string
	cache    map[string]string
	reads    int
	onRead   func(ref string)
}

// NewResolver returns a Resolver over upstream (reference name -> secret file).
func NewResolver(upstream map[string]string) *Resolver {
	return &Resolver{upstream: upstream, cache: make(map[string]string)}
}

// OnRead registers fn to be called every time a secret file is actually read.
func (r *Resolver) OnRead(fn func(ref string)) { r.onRead = fn }

// Reads reports how many secret files have been read so far.
func (r *Resolver) Reads() int { return r.reads }

// Resolve returns the trimmed secret for ref.
func (r *Resolver) Resolve(ref string) (string, error) {
	if v, ok := r.cache[ref]; ok {
		return v, nil
	}
	path, ok := r.upstream[ref]
	if !ok {
		return "", &Error{Ref: ref, Err: ErrUnknownReference}
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &Error{Ref: ref, Path: path, Err: ErrCredentialFileNotFound}
		}
		return "", &Error{Ref: ref, Path: path, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return "", &Error{Ref: ref, Path: path, Err: ErrCredentialNotAFile}
	}
	b, err := os.ReadFile(path)
	r.reads++
	if r.onRead != nil {
		r.onRead(ref)
	}
	if err != nil {
		return "", &Error{Ref: ref, Path: path, Err: err}
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", &Error{Ref: ref, Path: path, Err: ErrCredentialFileEmpty}
	}
	r.cache[ref] = secret
	return secret, nil
}

// ResolveNode returns a copy of n in which every mapping holding RefKey has
// that entry replaced, at the same position, by SecretKey and the secret.
// n itself is left untouched. The first failure aborts the walk.
func (r *Resolver) ResolveNode(n doc.Node) (doc.Node, error) {
	out := n.Clone()
	if err := r.walk(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveDocument is ResolveNode for a whole document.
func (r *Resolver) ResolveDocument(m *doc.Mapping) (*doc.Mapping, error) {
	out, err := r.ResolveNode(m)
	if err != nil {
		return nil, err
	}
	return out.(*doc.Mapping), nil
}

// ResolveModelLists is like ResolveDocument but only rewrites references
// below a ModelListKey entry, at any depth. References elsewhere in the
// document are copied unchanged.
func (r *Resolver) ResolveModelLists(m *doc.Mapping) (*doc.Mapping, error) {
	out := m.CloneMapping()
	if err := r.findModelLists(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) findModelLists(n doc.Node) error {
	switch v := n.(type) {
	case *doc.List:
		for _, it := range v.Items {
			if err := r.findModelLists(it); err != nil {
				return err
			}
		}
	case *doc.Mapping:
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			var err error
			if k == ModelListKey {
				err = r.walk(child)
			} else {
				err = r.findModelLists(child)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Resolver) walk(n doc.Node) error {
	switch v := n.(type) {
	case nil, *doc.Scalar:
		return nil
	case *doc.List:
		for _, it := range v.Items {
			if err := r.walk(it); err != nil {
				return err
			}
		}
		return nil
	case *doc.Mapping:
		if refNode, ok := v.Get(RefKey); ok {
			ref, ok := refNode.(*doc.Scalar)
			if !ok || ref.String() == "" {
				return &Error{Ref: fmt.Sprint(doc.ToGo(refNode)), Err: ErrUnknownReference}
			}
			secret, err := r.Resolve(ref.String())
			if err != nil {
				return err
			}
			v.Rename(RefKey, SecretKey, doc.NewScalar(secret))
		}
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			if err := r.walk(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("credential: unexpected node type %T", n)
	}
}
