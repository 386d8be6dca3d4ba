package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates the entity carried by a Record.
type Kind string

const (
	KindActivity  Kind = "activity"
	KindIteration Kind = "iteration"
	KindBlock     Kind = "block"
	KindUrl       Kind = "url"
	KindExtent    Kind = "extent"
)

// Record is the closed variant persisted in one journal block. Exactly one
// payload field is set, the one matching Kind.
type Record struct {
	Kind      Kind       `json:"kind"`
	Activity  *Activity  `json:"activity,omitempty"`
	Iteration *Iteration `json:"iteration,omitempty"`
	Block     *Block     `json:"block,omitempty"`
	Url       *Url       `json:"url,omitempty"`
	Extent    *Extent    `json:"extent,omitempty"`
}

func ActivityRecord(a Activity) Record   { return Record{Kind: KindActivity, Activity: &a} }
func IterationRecord(i Iteration) Record { return Record{Kind: KindIteration, Iteration: &i} }
func BlockRecord(b Block) Record         { return Record{Kind: KindBlock, Block: &b} }
func UrlRecord(u Url) Record             { return Record{Kind: KindUrl, Url: &u} }
func ExtentRecord(e Extent) Record       { return Record{Kind: KindExtent, Extent: &e} }

type kindOps struct {
	present  func(Record) bool
	validate func(Record) error
	describe func(Record) string
}

var kinds = map[Kind]kindOps{
	KindActivity: {
		present:  func(r Record) bool { return r.Activity != nil },
		validate: func(r Record) error { return r.Activity.Validate() },
		describe: func(r Record) string { return r.Activity.Name },
	},
	KindIteration: {
		present:  func(r Record) bool { return r.Iteration != nil },
		validate: func(r Record) error { return r.Iteration.Validate() },
		describe: func(r Record) string { return r.Iteration.Key().String() },
	},
	KindBlock: {
		present:  func(r Record) bool { return r.Block != nil },
		validate: func(r Record) error { return r.Block.Validate() },
		describe: func(r Record) string { return r.Block.Key().String() },
	},
	KindUrl: {
		present:  func(r Record) bool { return r.Url != nil },
		validate: func(r Record) error { return r.Url.Validate() },
		describe: func(r Record) string { return r.Url.BlockKey().String() + " " + r.Url.Url },
	},
	KindExtent: {
		present:  func(r Record) bool { return r.Extent != nil },
		validate: func(r Record) error { return r.Extent.Validate() },
		describe: func(r Record) string { return r.Extent.BlockKey().String() + " " + r.Extent.ExtentID },
	},
}

func (r Record) payloads() int {
	n := 0
	for _, set := range []bool{r.Activity != nil, r.Iteration != nil, r.Block != nil, r.Url != nil, r.Extent != nil} {
		if set {
			n++
		}
	}
	return n
}

// Validate checks the record shape and then the payload's invariants.
func (r Record) Validate() error {
	ops, ok := kinds[r.Kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKind, r.Kind)
	}
	if !ops.present(r) || r.payloads() != 1 {
		return invalidf("record", "kind %s must carry exactly its own payload", r.Kind)
	}
	return ops.validate(r)
}

// Key identifies the entity a record describes. Two records with equal keys
// are versions of the same entity.
func (r Record) Key() string {
	ops, ok := kinds[r.Kind]
	if !ok || !ops.present(r) {
		return fmt.Sprintf("%s(?)", r.Kind)
	}
	return fmt.Sprintf("%s(%s)", r.Kind, ops.describe(r))
}

func (r Record) String() string { return r.Key() }

// Encode validates r and serialises it for the journal.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r, err)
	}
	return data, nil
}

// Decode parses and validates one journal block.
func Decode(data []byte) (Record, error) {
	var r Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("%w: decode record: %v", ErrInvalid, err)
	}
	if dec.More() {
		return Record{}, fmt.Errorf("%w: decode record: trailing data", ErrInvalid)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}
