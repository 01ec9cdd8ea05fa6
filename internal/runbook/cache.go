package runbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/oj-sh/oj/internal/common/logger"
)

// Cache loads runbooks from disk and keeps them content-addressed by hash.
// Loads race at worst into a redundant parse of identical content.
type Cache struct {
	logger *logger.Logger

	mu     sync.RWMutex
	byHash map[string]*Runbook
	byPath map[string]string // path -> last seen hash
}

// NewCache returns an empty runbook cache.
func NewCache(log *logger.Logger) *Cache {
	return &Cache{
		logger: log.WithFields(zap.String("component", "runbook-cache")),
		byHash: make(map[string]*Runbook),
		byPath: make(map[string]string),
	}
}

// LoadPath reads, hashes, and decodes the runbook at path. A document whose
// hash is already cached is returned without re-parsing.
func (c *Cache) LoadPath(path string) (*Runbook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runbook: read %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	c.mu.RLock()
	cached, ok := c.byHash[hash]
	c.mu.RUnlock()
	if ok {
		c.remember(path, hash)
		return cached, nil
	}

	rb, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("runbook: parse %s: %w", path, err)
	}
	rb.Hash = hash
	rb.Path = path

	c.mu.Lock()
	c.byHash[hash] = rb
	c.byPath[path] = hash
	c.mu.Unlock()

	c.logger.Debug("runbook loaded", zap.String("path", path), zap.String("hash", hash[:12]))
	return rb, nil
}

// Get returns the runbook for a hash, if cached.
func (c *Cache) Get(hash string) (*Runbook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rb, ok := c.byHash[hash]
	return rb, ok
}

// Put inserts an already-decoded runbook (used when reloading from recorded
// paths during reconciliation).
func (c *Cache) Put(rb *Runbook) {
	c.mu.Lock()
	c.byHash[rb.Hash] = rb
	if rb.Path != "" {
		c.byPath[rb.Path] = rb.Hash
	}
	c.mu.Unlock()
}

func (c *Cache) remember(path, hash string) {
	c.mu.Lock()
	c.byPath[path] = hash
	c.mu.Unlock()
}

// Decode parses a YAML runbook document and back-fills entity names from
// their map keys.
func Decode(raw []byte) (*Runbook, error) {
	var rb Runbook
	if err := yaml.Unmarshal(raw, &rb); err != nil {
		return nil, err
	}
	for name, j := range rb.Jobs {
		j.Name = name
		for sname, s := range j.Steps {
			s.Name = sname
		}
		if len(j.StepOrder) == 0 {
			j.StepOrder = stepOrderFromYAML(raw, name)
		}
	}
	for name, a := range rb.Agents {
		a.Name = name
	}
	for name, q := range rb.Queues {
		q.Name = name
		if q.Type == "" {
			q.Type = "persisted"
		}
	}
	for name, w := range rb.Workers {
		w.Name = name
		if w.Concurrency <= 0 {
			w.Concurrency = 1
		}
	}
	for name, cr := range rb.Crons {
		cr.Name = name
		if cr.Concurrency <= 0 {
			cr.Concurrency = 1
		}
	}
	for name, cmd := range rb.Commands {
		cmd.Name = name
	}
	return &rb, nil
}

// stepOrderFromYAML recovers the declaration order of a job's steps, which
// Go maps discard. It re-walks the YAML node tree for the one job.
func stepOrderFromYAML(raw []byte, jobName string) []string {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	jobs := mappingValue(root, "jobs")
	if jobs == nil {
		return nil
	}
	job := mappingValue(jobs, jobName)
	if job == nil {
		return nil
	}
	steps := mappingValue(job, "steps")
	if steps == nil {
		return nil
	}
	var order []string
	for i := 0; i+1 < len(steps.Content); i += 2 {
		order = append(order, steps.Content[i].Value)
	}
	return order
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
