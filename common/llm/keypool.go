package llm

import (
	"errors"
	"sync/atomic"
)

var ErrNoCredentials = errors.New("no provider credentials configured")

// Credential is one API key and its position in the pool.
type Credential struct {
	Index int
	Key   string
}

// KeyPool is the set of provider API keys shared by every session.
// Rotation is lock-free: concurrent sessions that fail on the same key
// advance the active index once.
type KeyPool struct {
	keys   []string
	active atomic.Uint64
}

func NewKeyPool(keys []string) (*KeyPool, error) {
	var clean []string
	for _, k := range keys {
		if k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, ErrNoCredentials
	}
	return &KeyPool{keys: clean}, nil
}

// Current returns the active credential.
func (p *KeyPool) Current() Credential {
	idx := int(p.active.Load() % uint64(len(p.keys)))
	return Credential{Index: idx, Key: p.keys[idx]}
}

// Rotate moves past the failed credential and returns the new active one.
// If another session already rotated away from failed, the pool is left as is.
func (p *KeyPool) Rotate(failed Credential) Credential {
	for {
		cur := p.active.Load()
		if int(cur%uint64(len(p.keys))) != failed.Index {
			return p.Current()
		}
		if p.active.CompareAndSwap(cur, cur+1) {
			return p.Current()
		}
	}
}

func (p *KeyPool) Len() int {
	return len(p.keys)
}
