package bundle

import (
    "errors"
    "strings"
)

// EID is a DTN endpoint identifier of the form "dtn://node" or
// "dtn://node/application". The node part names a daemon instance, the
// optional application suffix an endpoint registered on it. EIDs compare
// as plain strings; node-level equality goes through Node().
type EID string

// None is the null endpoint. It is never a valid destination.
const None EID = "dtn:none"

const eidScheme = "dtn://"

var ErrBadEID = errors.New("malformed endpoint id")

// Parse validates s and returns it as an EID.
func Parse(s string) (EID, error) {
    if s == string(None) { return None, nil }
    if !strings.HasPrefix(s, eidScheme) { return "", ErrBadEID }
    rest := s[len(eidScheme):]
    if rest == "" || rest[0] == '/' { return "", ErrBadEID }
    return EID(s), nil
}

// Node strips the application suffix: "dtn://a/b" -> "dtn://a".
func (e EID) Node() EID {
    s := string(e)
    if !strings.HasPrefix(s, eidScheme) { return e }
    rest := s[len(eidScheme):]
    if i := strings.IndexByte(rest, '/'); i >= 0 { return EID(s[:len(eidScheme)+i]) }
    return e
}

// Application returns the suffix after the node part, "" when absent.
func (e EID) Application() string {
    s := string(e)
    if !strings.HasPrefix(s, eidScheme) { return "" }
    rest := s[len(eidScheme):]
    if i := strings.IndexByte(rest, '/'); i >= 0 { return rest[i+1:] }
    return ""
}

// SameNode reports whether both EIDs name the same node.
func (e EID) SameNode(o EID) bool { return e.Node() == o.Node() }

func (e EID) IsNone() bool { return e == None || e == "" }

// WithApplication returns the node part of e extended by an application suffix.
func (e EID) WithApplication(app string) EID {
    if app == "" { return e.Node() }
    return EID(string(e.Node()) + "/" + strings.TrimPrefix(app, "/"))
}

func (e EID) String() string { return string(e) }
