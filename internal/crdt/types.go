package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrIndexOutOfRange indicates a sequence position outside the visible range.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrInvalidRootName indicates a root name that collides with nested container keys.
	ErrInvalidRootName = errors.New("crdt: invalid root name")
)

// Value is a read view of one map entry or sequence element.
type Value struct {
	doc  *Doc
	raw  json.RawMessage
	kind Kind
	ref  string
}

// Kind reports whether the value is a plain value or a container.
func (v Value) Kind() Kind {
	return v.kind
}

// Raw returns the JSON encoding of a plain value.
func (v Value) Raw() json.RawMessage {
	return v.raw
}

// Decode unmarshals a plain value into dst.
func (v Value) Decode(dst any) error {
	if v.kind != KindNone {
		return fmt.Errorf("crdt: cannot decode %s container", v.kind)
	}
	if len(v.raw) == 0 {
		return fmt.Errorf("crdt: empty value")
	}
	return json.Unmarshal(v.raw, dst)
}

// String returns the value when it is a JSON string.
func (v Value) String() (string, bool) {
	var out string
	if err := v.Decode(&out); err != nil {
		return "", false
	}
	return out, true
}

// Map returns the nested map, if the value is one.
func (v Value) Map() (Map, bool) {
	if v.kind != KindMap {
		return Map{}, false
	}
	return Map{doc: v.doc, key: v.ref}, true
}

// Array returns the nested array, if the value is one.
func (v Value) Array() (Array, bool) {
	if v.kind != KindArray {
		return Array{}, false
	}
	return Array{doc: v.doc, key: v.ref}, true
}

// Text returns the nested text, if the value is one.
func (v Value) Text() (Text, bool) {
	if v.kind != KindText {
		return Text{}, false
	}
	return Text{doc: v.doc, key: v.ref}, true
}

// ToJSON materializes the value.
func (v Value) ToJSON() any {
	if v.kind != KindNone {
		c := v.doc.containers[v.ref]
		if c == nil {
			return nil
		}
		return v.doc.materialize(v.ref, c)
	}
	var out any
	if len(v.raw) == 0 || json.Unmarshal(v.raw, &out) != nil {
		return nil
	}
	return out
}

func checkRootName(name string) {
	if !isRootKey(name) {
		panic(fmt.Errorf("%w: %q", ErrInvalidRootName, name))
	}
}

// Map is a handle to a last-writer-wins map container.
type Map struct {
	doc *Doc
	key string
}

// Map returns the root map with the given name.
func (d *Doc) Map(name string) Map {
	checkRootName(name)
	return Map{doc: d, key: name}
}

func (m Map) container() *container {
	c := m.doc.containers[m.key]
	if c == nil || c.kind != KindMap {
		return nil
	}
	return c
}

// Valid reports whether the handle points into a document.
func (m Map) Valid() bool {
	return m.doc != nil
}

// Get returns the live value under key.
func (m Map) Get(key string) (Value, bool) {
	c := m.container()
	if c == nil {
		return Value{}, false
	}
	entry, ok := c.entries[key]
	if !ok || entry.gone {
		return Value{}, false
	}
	return Value{doc: m.doc, raw: entry.value, kind: entry.kind, ref: entry.id.containerKey()}, true
}

// GetString returns the string stored under key, or "".
func (m Map) GetString(key string) string {
	value, ok := m.Get(key)
	if !ok {
		return ""
	}
	out, _ := value.String()
	return out
}

// Has reports whether key holds a live value.
func (m Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the live keys in lexical order.
func (m Map) Keys() []string {
	c := m.container()
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.entries))
	for key, entry := range c.entries {
		if !entry.gone {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m Map) Len() int {
	return len(m.Keys())
}

// Set writes a plain JSON-encodable value.
func (m Map) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("crdt: empty map key")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = m.doc.emit(Op{Type: OpSet, Parent: m.key, ParentKind: KindMap, Key: key, Value: raw})
	return err
}

// SetMap replaces key with a fresh nested map.
func (m Map) SetMap(key string) Map {
	op, _ := m.doc.emit(Op{Type: OpSet, Parent: m.key, ParentKind: KindMap, Key: key, Kind: KindMap})
	return Map{doc: m.doc, key: op.ID.containerKey()}
}

// SetArray replaces key with a fresh nested array.
func (m Map) SetArray(key string) Array {
	op, _ := m.doc.emit(Op{Type: OpSet, Parent: m.key, ParentKind: KindMap, Key: key, Kind: KindArray})
	return Array{doc: m.doc, key: op.ID.containerKey()}
}

// SetText replaces key with a fresh nested text holding initial.
func (m Map) SetText(key, initial string) Text {
	op, _ := m.doc.emit(Op{Type: OpSet, Parent: m.key, ParentKind: KindMap, Key: key, Kind: KindText})
	text := Text{doc: m.doc, key: op.ID.containerKey()}
	if initial != "" {
		_ = text.Insert(0, initial)
	}
	return text
}

// Delete tombstones key. Deleting an absent key writes nothing.
func (m Map) Delete(key string) {
	if !m.Has(key) {
		return
	}
	_, _ = m.doc.emit(Op{Type: OpSet, Parent: m.key, ParentKind: KindMap, Key: key, Deleted: true})
}

// ToJSON materializes the map.
func (m Map) ToJSON() map[string]any {
	out := make(map[string]any)
	for _, key := range m.Keys() {
		value, _ := m.Get(key)
		out[key] = value.ToJSON()
	}
	return out
}

// Array is a handle to an ordered sequence container.
type Array struct {
	doc *Doc
	key string
}

// Array returns the root array with the given name.
func (d *Doc) Array(name string) Array {
	checkRootName(name)
	return Array{doc: d, key: name}
}

func (a Array) container() *container {
	c := a.doc.containers[a.key]
	if c == nil || c.kind != KindArray {
		return nil
	}
	return c
}

func (a Array) elements() []*element {
	c := a.container()
	if c == nil {
		return nil
	}
	return c.visible()
}

// Len returns the number of live elements.
func (a Array) Len() int {
	return len(a.elements())
}

// Get returns the element at index.
func (a Array) Get(index int) (Value, bool) {
	elements := a.elements()
	if index < 0 || index >= len(elements) {
		return Value{}, false
	}
	e := elements[index]
	return Value{doc: a.doc, raw: e.value, kind: e.kind, ref: e.id.containerKey()}, true
}

// Values returns every live element in order.
func (a Array) Values() []Value {
	elements := a.elements()
	out := make([]Value, 0, len(elements))
	for _, e := range elements {
		out = append(out, Value{doc: a.doc, raw: e.value, kind: e.kind, ref: e.id.containerKey()})
	}
	return out
}

func (a Array) originFor(index int) (*ID, error) {
	elements := a.elements()
	if index < 0 || index > len(elements) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(elements))
	}
	if index == 0 {
		return nil, nil
	}
	id := elements[index-1].id
	return &id, nil
}

// Insert places a plain value at index.
func (a Array) Insert(index int, value any) error {
	origin, err := a.originFor(index)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = a.doc.emit(Op{Type: OpInsert, Parent: a.key, ParentKind: KindArray, Origin: origin, Value: raw})
	return err
}

// Push appends a plain value.
func (a Array) Push(value any) error {
	return a.Insert(a.Len(), value)
}

// InsertMap places a fresh nested map at index.
func (a Array) InsertMap(index int) (Map, error) {
	origin, err := a.originFor(index)
	if err != nil {
		return Map{}, err
	}
	op, err := a.doc.emit(Op{Type: OpInsert, Parent: a.key, ParentKind: KindArray, Origin: origin, Kind: KindMap})
	if err != nil {
		return Map{doc: a.doc}, err
	}
	return Map{doc: a.doc, key: op.ID.containerKey()}, nil
}

// PushMap appends a fresh nested map.
func (a Array) PushMap() Map {
	m, _ := a.InsertMap(a.Len())
	return m
}

// Delete removes the element at index.
func (a Array) Delete(index int) error {
	elements := a.elements()
	if index < 0 || index >= len(elements) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(elements))
	}
	target := elements[index].id
	_, err := a.doc.emit(Op{Type: OpDelete, Parent: a.key, ParentKind: KindArray, Target: &target})
	return err
}

// ToJSON materializes the array.
func (a Array) ToJSON() []any {
	values := a.Values()
	out := make([]any, 0, len(values))
	for _, value := range values {
		out = append(out, value.ToJSON())
	}
	return out
}

// Text is a handle to a collaborative character sequence. Concurrent inserts
// and deletes from different replicas interleave rather than overwrite.
type Text struct {
	doc *Doc
	key string
}

// Text returns the root text with the given name.
func (d *Doc) Text(name string) Text {
	checkRootName(name)
	return Text{doc: d, key: name}
}

func (t Text) elements() []*element {
	c := t.doc.containers[t.key]
	if c == nil || c.kind != KindText {
		return nil
	}
	return c.visible()
}

// Valid reports whether the handle points into a document.
func (t Text) Valid() bool {
	return t.doc != nil
}

// ID returns the container reference, stable across replicas.
func (t Text) ID() string {
	return t.key
}

// Len returns the number of characters.
func (t Text) Len() int {
	return len(t.elements())
}

// String returns the current content.
func (t Text) String() string {
	var builder strings.Builder
	for _, e := range t.elements() {
		builder.WriteString(e.text)
	}
	return builder.String()
}

// Insert writes s so that its first character lands at position pos.
func (t Text) Insert(pos int, s string) error {
	elements := t.elements()
	if pos < 0 || pos > len(elements) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, pos, len(elements))
	}
	var origin *ID
	if pos > 0 {
		id := elements[pos-1].id
		origin = &id
	}
	for _, r := range s {
		op, err := t.doc.emit(Op{Type: OpInsert, Parent: t.key, ParentKind: KindText, Origin: origin, Text: string(r)})
		if err != nil {
			return err
		}
		id := op.ID
		origin = &id
	}
	return nil
}

// Delete removes count characters starting at pos.
func (t Text) Delete(pos, count int) error {
	elements := t.elements()
	if pos < 0 || count < 0 || pos+count > len(elements) {
		return fmt.Errorf("%w: %d+%d of %d", ErrIndexOutOfRange, pos, count, len(elements))
	}
	for _, e := range elements[pos : pos+count] {
		target := e.id
		if _, err := t.doc.emit(Op{Type: OpDelete, Parent: t.key, ParentKind: KindText, Target: &target}); err != nil {
			return err
		}
	}
	return nil
}
