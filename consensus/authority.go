// Package consensus decides who may produce blocks. Admission is
// Proof-of-Authority: a versioned schedule of authority sets, each active
// from a given height, lists the producers allowed to append.
package consensus

import (
	"io/ioutil"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnauthorizedProducer = errors.New("consensus: unauthorized producer")
	ErrInvalidSignature     = errors.New("consensus: invalid signature")
	ErrBadSchedule          = errors.New("consensus: bad authority schedule")
)

// AuthoritySet is the list of producer ids allowed from height From on.
type AuthoritySet struct {
	Version uint32   `yaml:"version"`
	From    uint64   `yaml:"from"`
	Members []string `yaml:"members"`
}

func (s *AuthoritySet) Contains(id string) bool {
	for _, m := range s.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Schedule holds authority sets ordered by activation height. It is
// read-only once built.
type Schedule struct {
	sets []*AuthoritySet
}

func NewSchedule(sets ...*AuthoritySet) (*Schedule, error) {
	if len(sets) == 0 {
		return nil, errors.Wrap(ErrBadSchedule, "no authority set")
	}
	ss := make([]*AuthoritySet, len(sets))
	copy(ss, sets)
	sort.SliceStable(ss, func(i, j int) bool { return ss[i].From < ss[j].From })
	if ss[0].From != 0 {
		return nil, errors.Wrapf(ErrBadSchedule, "first set starts at %d", ss[0].From)
	}
	for i, s := range ss {
		if len(s.Members) == 0 {
			return nil, errors.Wrapf(ErrBadSchedule, "set version %d has no members", s.Version)
		}
		if i > 0 && s.From == ss[i-1].From {
			return nil, errors.Wrapf(ErrBadSchedule, "two sets start at %d", s.From)
		}
		if i > 0 && s.Version <= ss[i-1].Version {
			return nil, errors.Wrapf(ErrBadSchedule, "version %d does not increase", s.Version)
		}
	}
	return &Schedule{sets: ss}, nil
}

// StaticSchedule is a single authority set active from genesis.
func StaticSchedule(members ...string) *Schedule {
	return &Schedule{sets: []*AuthoritySet{{Version: 1, From: 0, Members: members}}}
}

// CurrentAuthorities returns the set in force at height.
func (s *Schedule) CurrentAuthorities(height uint64) *AuthoritySet {
	i := sort.Search(len(s.sets), func(i int) bool { return s.sets[i].From > height })
	return s.sets[i-1]
}

func (s *Schedule) IsAuthorized(producer string, height uint64) bool {
	return s.CurrentAuthorities(height).Contains(producer)
}

func (s *Schedule) Sets() []*AuthoritySet {
	return s.sets
}

type scheduleFile struct {
	Authorities []*AuthoritySet `yaml:"authorities"`
}

// ParseSchedule reads a YAML document of the form
//
//	authorities:
//	  - version: 1
//	    from: 0
//	    members: [<producer id>, ...]
func ParseSchedule(data []byte) (*Schedule, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(ErrBadSchedule, err.Error())
	}
	return NewSchedule(f.Authorities...)
}

func LoadSchedule(path string) (*Schedule, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSchedule(data)
}

func (s *Schedule) Marshal() ([]byte, error) {
	return yaml.Marshal(&scheduleFile{Authorities: s.sets})
}
