package model

import (
	"fmt"
	"strings"
)

// Serial identifies one committed transaction. Serials start at 0; NoSerial
// is the latest serial of an empty log.
type Serial int64

const NoSerial Serial = -1

type OpsType byte

const (
	PUT OpsType = iota
	DELETE
)

// Kind is a typed key namespace. The set is closed; events are routed by
// switching on it.
type Kind uint8

const (
	KindUser Kind = iota + 1
	KindPyPILinks
)

var kindNames = map[Kind]string{
	KindUser:      "USER",
	KindPyPILinks: "PYPILINKS",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind resolves a typed key name such as "PYPILINKS".
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown key kind %q", s)
}

type Mutation struct {
	Kind  Kind    `msgpack:"kind"`
	Name  string  `msgpack:"name"`
	Op    OpsType `msgpack:"op"`
	Value []byte  `msgpack:"value"`
}

// ChangelogEntry is the immutable record of one transaction.
type ChangelogEntry struct {
	Serial    Serial     `msgpack:"serial"`
	Mutations []Mutation `msgpack:"mutations"`
}

// Event is a change notification derived from one mutation of an entry.
type Event struct {
	Kind   Kind
	Name   string
	Op     OpsType
	Serial Serial
	Value  []byte
}

// Events derives one event per mutation, in mutation order.
func (e *ChangelogEntry) Events() []Event {
	events := make([]Event, 0, len(e.Mutations))
	for _, m := range e.Mutations {
		events = append(events, Event{
			Kind:   m.Kind,
			Name:   m.Name,
			Op:     m.Op,
			Serial: e.Serial,
			Value:  m.Value,
		})
	}
	return events
}

// ProjectLinks is the value stored under a PYPILINKS key. Serial is the
// upstream index serial at which the project last changed.
type ProjectLinks struct {
	Project string   `msgpack:"projectname"`
	Serial  int64    `msgpack:"serial"`
	Links   []string `msgpack:"links,omitempty"`
}

type User struct {
	Name  string `msgpack:"username"`
	Email string `msgpack:"email,omitempty"`
}

// NameSerials maps project names to the serial they last changed at.
type NameSerials map[string]int64
