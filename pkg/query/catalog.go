// Package query parses the attribute search grammar into storage-level
// predicates.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AttributeType is the declared value type of a searchable attribute.
type AttributeType int

const (
	TypeString AttributeType = iota
	TypeNumber
	TypeBoolean
)

// Attribute describes one searchable attribute. A virtual attribute carries
// an Expansion list of underlying attribute names and compiles to the OR of
// its expansions.
type Attribute struct {
	Name      string
	Type      AttributeType
	Expansion []string
}

// Virtual reports whether the attribute is an alias over other attributes.
func (a Attribute) Virtual() bool { return len(a.Expansion) > 0 }

// Catalog resolves attribute names. The live catalog is an external
// collaborator; engines receive it as an interface.
type Catalog interface {
	Lookup(name string) (Attribute, bool)
	List() []Attribute
}

// StaticCatalog is a fixed in-memory catalog.
type StaticCatalog struct {
	attributes map[string]Attribute
	order      []string
}

// NewStaticCatalog builds a catalog from a fixed attribute list.
func NewStaticCatalog(attributes []Attribute) *StaticCatalog {
	c := &StaticCatalog{attributes: make(map[string]Attribute, len(attributes))}
	for _, attr := range attributes {
		c.attributes[attr.Name] = attr
		c.order = append(c.order, attr.Name)
	}
	return c
}

// Lookup implements Catalog.
func (c *StaticCatalog) Lookup(name string) (Attribute, bool) {
	attr, ok := c.attributes[name]
	return attr, ok
}

// List implements Catalog.
func (c *StaticCatalog) List() []Attribute {
	out := make([]Attribute, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.attributes[name])
	}
	return out
}

// DefaultCatalog covers the sip/rtp/rtcp attribute families the upstream
// capture pipeline produces.
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog([]Attribute{
		{Name: "sip.caller", Type: TypeString},
		{Name: "sip.callee", Type: TypeString},
		{Name: "sip.user", Type: TypeString, Expansion: []string{"sip.caller", "sip.callee"}},
		{Name: "sip.call_id", Type: TypeString},
		{Name: "sip.x_call_id", Type: TypeString},
		{Name: "sip.state", Type: TypeString},
		{Name: "sip.method", Type: TypeString},
		{Name: "sip.src_addr", Type: TypeString},
		{Name: "sip.dst_addr", Type: TypeString},
		{Name: "sip.addr", Type: TypeString, Expansion: []string{"sip.src_addr", "sip.dst_addr"}},
		{Name: "sip.src_host", Type: TypeString},
		{Name: "sip.dst_host", Type: TypeString},
		{Name: "sip.host", Type: TypeString, Expansion: []string{"sip.src_host", "sip.dst_host"}},
		{Name: "sip.duration", Type: TypeNumber},
		{Name: "sip.setup_time", Type: TypeNumber},
		{Name: "sip.establish_time", Type: TypeNumber},
		{Name: "sip.error_code", Type: TypeString},
		{Name: "sip.terminated", Type: TypeBoolean},

		{Name: "rtp.mos", Type: TypeNumber},
		{Name: "rtp.r_factor", Type: TypeNumber},
		{Name: "rtp.jitter", Type: TypeNumber},
		{Name: "rtp.duration", Type: TypeNumber},
		{Name: "rtp.codec", Type: TypeString},
		{Name: "rtp.src_addr", Type: TypeString},
		{Name: "rtp.dst_addr", Type: TypeString},
		{Name: "rtp.addr", Type: TypeString, Expansion: []string{"rtp.src_addr", "rtp.dst_addr"}},

		{Name: "rtcp.mos", Type: TypeNumber},
		{Name: "rtcp.r_factor", Type: TypeNumber},
		{Name: "rtcp.jitter", Type: TypeNumber},
		{Name: "rtcp.duration", Type: TypeNumber},
		{Name: "rtcp.src_addr", Type: TypeString},
		{Name: "rtcp.dst_addr", Type: TypeString},
		{Name: "rtcp.addr", Type: TypeString, Expansion: []string{"rtcp.src_addr", "rtcp.dst_addr"}},
	})
}

// CachedCatalog wraps a catalog loader with a periodically refreshed
// snapshot. Reads are lock-free on the read path; a failed refresh keeps the
// previous snapshot.
type CachedCatalog struct {
	mu       sync.RWMutex
	snapshot *StaticCatalog

	load     func(ctx context.Context) ([]Attribute, error)
	interval time.Duration
	logger   *logrus.Entry
}

// NewCachedCatalog builds a caching catalog around a loader.
func NewCachedCatalog(load func(ctx context.Context) ([]Attribute, error), interval time.Duration, logger *logrus.Logger) *CachedCatalog {
	return &CachedCatalog{
		snapshot: NewStaticCatalog(nil),
		load:     load,
		interval: interval,
		logger:   logger.WithField("component", "attribute_catalog"),
	}
}

// Refresh reloads the attribute list. On error the old snapshot stays.
func (c *CachedCatalog) Refresh(ctx context.Context) error {
	attributes, err := c.load(ctx)
	if err != nil {
		return err
	}
	snapshot := NewStaticCatalog(attributes)
	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()
	return nil
}

// Lookup implements Catalog.
func (c *CachedCatalog) Lookup(name string) (Attribute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Lookup(name)
}

// List implements Catalog.
func (c *CachedCatalog) List() []Attribute {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.List()
}

// Run refreshes the snapshot periodically until the context is canceled.
func (c *CachedCatalog) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.WithError(err).Warn("Initial attribute catalog load failed")
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.WithError(err).Warn("Attribute catalog refresh failed, keeping previous snapshot")
			}
		}
	}
}
