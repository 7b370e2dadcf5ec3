package types

import (
	"fmt"
	"strings"
)

// NamespaceKind is the tag of the Namespace sum type.
type NamespaceKind int

const (
	NamespaceGlobal NamespaceKind = iota
	NamespaceProject
	NamespaceSession
	NamespaceUser
	NamespaceAgent
)

// Namespace is a hierarchical scope key for a memory. It is modeled as a
// tagged variant rather than a bare string so that callers can't construct
// an invalid combination of fields; String/ParseNamespace round-trip.
//
//	Global               -> "global"
//	Project(name)        -> "project:<name>"
//	Session(project,sid)  -> "session:<project>/<sid>"
//	User(user_id)        -> "user:<uid>"
//	Agent(role)          -> "agent:<role>"
type Namespace struct {
	kind    NamespaceKind
	project string
	session string
	id      string
}

// Global is the namespace shared by all scopes.
func Global() Namespace { return Namespace{kind: NamespaceGlobal} }

// Project scopes a namespace to a single named project.
func Project(name string) Namespace { return Namespace{kind: NamespaceProject, project: name} }

// Session scopes a namespace to one session within a project.
func Session(project, sessionID string) Namespace {
	return Namespace{kind: NamespaceSession, project: project, session: sessionID}
}

// User scopes a namespace to a single user.
func User(userID string) Namespace { return Namespace{kind: NamespaceUser, id: userID} }

// Agent scopes a namespace to a single agent role.
func Agent(role string) Namespace { return Namespace{kind: NamespaceAgent, id: role} }

// Kind returns the tag of the namespace.
func (n Namespace) Kind() NamespaceKind { return n.kind }

// Project returns the project name for Project and Session namespaces, or
// the empty string otherwise.
func (n Namespace) ProjectName() string { return n.project }

// SessionID returns the session id for Session namespaces, or the empty
// string otherwise.
func (n Namespace) SessionID() string { return n.session }

// ID returns the user id or agent role for User/Agent namespaces, or the
// empty string otherwise.
func (n Namespace) ID() string { return n.id }

// String renders the canonical form of the namespace.
func (n Namespace) String() string {
	switch n.kind {
	case NamespaceGlobal:
		return "global"
	case NamespaceProject:
		return "project:" + n.project
	case NamespaceSession:
		return fmt.Sprintf("session:%s/%s", n.project, n.session)
	case NamespaceUser:
		return "user:" + n.id
	case NamespaceAgent:
		return "agent:" + n.id
	default:
		return "global"
	}
}

// Equal reports whether two namespaces have the same canonical string form.
func (n Namespace) Equal(other Namespace) bool {
	return n.String() == other.String()
}

// ParseNamespace parses the canonical string form of a namespace.
// Parsing is total over the namespace grammar; any other input is
// Invalid.
func ParseNamespace(s string) (Namespace, error) {
	if s == "global" {
		return Global(), nil
	}

	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Namespace{}, fmt.Errorf("invalid namespace %q: missing ':'", s)
	}

	switch kind {
	case "project":
		if rest == "" {
			return Namespace{}, fmt.Errorf("invalid namespace %q: empty project name", s)
		}
		return Project(rest), nil
	case "session":
		project, sid, ok := strings.Cut(rest, "/")
		if !ok || project == "" || sid == "" {
			return Namespace{}, fmt.Errorf("invalid namespace %q: expected session:<project>/<sid>", s)
		}
		return Session(project, sid), nil
	case "user":
		if rest == "" {
			return Namespace{}, fmt.Errorf("invalid namespace %q: empty user id", s)
		}
		return User(rest), nil
	case "agent":
		if rest == "" {
			return Namespace{}, fmt.Errorf("invalid namespace %q: empty agent role", s)
		}
		return Agent(rest), nil
	default:
		return Namespace{}, fmt.Errorf("invalid namespace %q: unknown kind %q", s, kind)
	}
}

// Contains reports whether n hierarchically contains other: a project
// contains its sessions; global contains nothing implicitly; every
// namespace contains itself.
func (n Namespace) Contains(other Namespace) bool {
	if n.Equal(other) {
		return true
	}
	if n.kind == NamespaceProject && other.kind == NamespaceSession {
		return n.project == other.project
	}
	return false
}
