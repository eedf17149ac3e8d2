package shim

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultValidity = 24 * time.Hour

// Status explains a validity decision.
type Status struct {
	Valid  bool      `json:"valid"`
	Reason string    `json:"reason"`
	Age    string    `json:"age,omitempty"`
	Record *Record   `json:"record,omitempty"`
	At     time.Time `json:"checked_at"`
}

// Cache answers validity questions over a Store. Nothing is memoized: every
// check reads the store and the clock again.
type Cache struct {
	store    Store
	validity time.Duration
	now      func() time.Time
}

type CacheOption func(*Cache)

func WithValidity(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.validity = d
		}
	}
}

func WithNow(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{store: store, validity: DefaultValidity, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Validity() time.Duration { return c.validity }

// Save stores rec as the latest record for key.
func (c *Cache) Save(ctx context.Context, key string, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}
	if err := c.store.Save(ctx, key, rec); err != nil {
		return err
	}
	log.Info().
		Str("component", "shim").
		Str("address", key).
		Bool("passed", rec.Passed).
		Float64("line_width_50", rec.LineWidth50).
		Float64("line_width_0_55", rec.LineWidth055).
		Msg("shim record saved")
	return nil
}

// Check reports whether the last shim for key passed and is younger than
// the validity window. The result is advisory.
func (c *Cache) Check(ctx context.Context, key string) (Status, error) {
	now := c.now()
	st := Status{At: now}
	rec, err := c.store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		st.Reason = "no shim record"
		c.warn(key, st.Reason, nil)
		return st, nil
	case err != nil:
		return st, err
	}
	st.Record = &rec
	age := now.Sub(rec.Timestamp)
	st.Age = age.Round(time.Second).String()
	switch {
	case age >= c.validity:
		st.Reason = "shim record expired"
		c.warn(key, st.Reason, &age)
	case !rec.Passed:
		st.Reason = "last shim did not pass"
		c.warn(key, st.Reason, &age)
	default:
		st.Valid = true
		st.Reason = "ok"
	}
	return st, nil
}

// IsValid is Check without the details. Store errors count as invalid.
func (c *Cache) IsValid(ctx context.Context, key string) bool {
	st, err := c.Check(ctx, key)
	if err != nil {
		log.Warn().Str("component", "shim").Str("address", key).Err(err).Msg("shim store unavailable")
		return false
	}
	return st.Valid
}

func (c *Cache) warn(key, reason string, age *time.Duration) {
	ev := log.Warn().Str("component", "shim").Str("address", key).Dur("validity", c.validity)
	if age != nil {
		ev = ev.Dur("age", *age)
	}
	ev.Msg(reason)
}
