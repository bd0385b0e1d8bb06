package mangle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/factstore"
)

// Fact is a ground predicate instance. Args hold string, int, int64, float64 or bool values.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
}

// Store wraps an in-memory Mangle fact store behind a mutex.
type Store struct {
	mu         sync.RWMutex
	store      factstore.FactStore
	predicates map[ast.PredicateSym]struct{}
	count      int
}

func NewStore() *Store {
	return &Store{
		store:      factstore.NewSimpleInMemoryStore(),
		predicates: make(map[ast.PredicateSym]struct{}),
	}
}

// Add inserts a fact. Duplicate facts are ignored and reported as false.
func (s *Store) Add(f Fact) (bool, error) {
	atom, err := factToAtom(f)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.store.Add(atom)
	if added {
		s.predicates[atom.Predicate] = struct{}{}
		s.count++
	}
	return added, nil
}

// Select returns every fact of predicate/arity whose arguments equal the bound
// positions. A nil bound map selects all facts of the predicate.
func (s *Store) Select(predicate string, arity int, bound map[int]interface{}) ([]Fact, error) {
	if predicate == "" || arity <= 0 {
		return nil, errors.New("predicate and positive arity are required")
	}

	query := ast.Atom{
		Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity},
		Args:      make([]ast.BaseTerm, arity),
	}
	for i := 0; i < arity; i++ {
		if v, ok := bound[i]; ok {
			query.Args[i] = toConstant(v)
			continue
		}
		query.Args[i] = ast.Variable{Symbol: fmt.Sprintf("X%d", i)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Fact
	err := s.store.GetFacts(query, func(atom ast.Atom) error {
		results = append(results, atomToFact(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("select %s/%d: %w", predicate, arity, err)
	}
	return results, nil
}

// Retract removes every fact for which drop returns true. The underlying store
// is append-only, so the surviving facts are copied into a fresh one.
func (s *Store) Retract(drop func(Fact) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := factstore.NewSimpleInMemoryStore()
	kept := 0
	for sym := range s.predicates {
		query := ast.Atom{Predicate: sym, Args: make([]ast.BaseTerm, sym.Arity)}
		for i := range query.Args {
			query.Args[i] = ast.Variable{Symbol: fmt.Sprintf("X%d", i)}
		}
		_ = s.store.GetFacts(query, func(atom ast.Atom) error {
			if drop(atomToFact(atom)) {
				return nil
			}
			if fresh.Add(atom) {
				kept++
			}
			return nil
		})
	}

	removed := s.count - kept
	s.store = fresh
	s.count = kept
	return removed
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func factToAtom(f Fact) (ast.Atom, error) {
	if f.Predicate == "" {
		return ast.Atom{}, errors.New("fact predicate is required")
	}
	if len(f.Args) == 0 {
		return ast.Atom{}, fmt.Errorf("fact %s has no arguments", f.Predicate)
	}

	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}, nil
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			val, _ := term.NumberValue()
			return val
		case ast.Float64Type:
			val, _ := term.Float64Value()
			return val
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", c)
	}
}
