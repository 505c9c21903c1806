package canon

import (
	"rdfchain/crypto"

	lru "github.com/hashicorp/golang-lru"
)

type result struct {
	form *Form
	hash []byte
}

// Cache memoizes HashPayload by payload digest. Returned forms are shared
// between callers and must not be modified.
type Cache struct {
	opts Options
	lru  *lru.Cache
}

func NewCache(size int, opts Options) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{opts: opts, lru: c}, nil
}

func (c *Cache) HashPayload(payload []byte) (*Form, []byte, error) {
	key := string(crypto.Hash(payload))
	if v, ok := c.lru.Get(key); ok {
		r := v.(*result)
		return r.form, r.hash, nil
	}
	form, hash, err := c.opts.HashPayload(payload)
	if err != nil {
		return nil, nil, err
	}
	c.lru.Add(key, &result{form: form, hash: hash})
	return form, hash, nil
}

// Contains reports whether payload is memoized, without touching recency.
func (c *Cache) Contains(payload []byte) bool {
	return c.lru.Contains(string(crypto.Hash(payload)))
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Options() Options {
	return c.opts
}
