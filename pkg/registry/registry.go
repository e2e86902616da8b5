// Package registry persists and serves per-model connection descriptors:
// the tunnel parameters, endpoint path, and capabilities each pipeline stage
// needs to reach a remote inference service.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/clipforge/clipforge/pkg/coordstore"
)

// ErrModelNotRegistered is returned when a referenced model key has no
// descriptor in the coordination store.
var ErrModelNotRegistered = errors.New("model not registered")

// Descriptor is the persisted connection and capability record for a model.
type Descriptor struct {
	Key           string  `json:"key"`
	SSHHost       string  `json:"ssh_host"` // user@host form
	SSHUser       string  `json:"ssh_user"`
	LocalPort     int     `json:"local_port"`
	RemoteHost    string  `json:"remote_host"`
	RemotePort    int     `json:"remote_port"`
	EndpointPath  string  `json:"endpoint_path"`
	SupportsVideo bool    `json:"supports_video"`
	ModelID       string  `json:"model_id"` // identifier sent in request bodies
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	MaxTokens     int     `json:"max_tokens"`
	UpdatedAt     string  `json:"updated_at,omitempty"`
}

// Registry reads and writes descriptors in the coordination store. The
// descriptor hash lives at model:config:{key}; registered keys are tracked
// in the model:config:_keys set.
type Registry struct {
	store *coordstore.Store
}

// New creates a registry over the coordination store.
func New(store *coordstore.Store) *Registry {
	return &Registry{store: store}
}

// Get loads one descriptor. Returns ErrModelNotRegistered when absent.
func (r *Registry) Get(ctx context.Context, key string) (Descriptor, error) {
	fields, err := r.store.HGetAll(ctx, coordstore.ModelConfigKey(key))
	if err != nil {
		return Descriptor{}, fmt.Errorf("loading descriptor %q: %w", key, err)
	}
	if len(fields) == 0 {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrModelNotRegistered, key)
	}
	return fromFields(key, fields), nil
}

// List returns all registered descriptors sorted by key.
func (r *Registry) List(ctx context.Context) ([]Descriptor, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, 0, len(keys))
	for _, key := range keys {
		d, err := r.Get(ctx, key)
		if errors.Is(err, ErrModelNotRegistered) {
			// Key in the set but hash missing; skip rather than fail the listing.
			slog.Warn("Registered model key has no descriptor", "model_key", key)
			continue
		}
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// Keys returns all registered model keys sorted ascending.
func (r *Registry) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.store.SMembers(ctx, coordstore.ModelKeysSet)
	if err != nil {
		return nil, fmt.Errorf("listing model keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Put stores a full descriptor and registers its key.
func (r *Registry) Put(ctx context.Context, d Descriptor) error {
	if d.Key == "" {
		return fmt.Errorf("descriptor key must not be empty")
	}
	d.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := r.store.HSet(ctx, coordstore.ModelConfigKey(d.Key), toFields(d)); err != nil {
		return fmt.Errorf("storing descriptor %q: %w", d.Key, err)
	}
	if err := r.store.SAdd(ctx, coordstore.ModelKeysSet, d.Key); err != nil {
		return fmt.Errorf("registering model key %q: %w", d.Key, err)
	}
	return nil
}

// Update applies a partial field update to an existing descriptor.
func (r *Registry) Update(ctx context.Context, key string, apply func(*Descriptor)) (Descriptor, error) {
	d, err := r.Get(ctx, key)
	if err != nil {
		return Descriptor{}, err
	}
	apply(&d)
	d.Key = key // the key is not updatable
	if err := r.Put(ctx, d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Delete removes a descriptor and unregisters its key. Reports whether the
// descriptor existed.
func (r *Registry) Delete(ctx context.Context, key string) (bool, error) {
	exists, err := r.store.Exists(ctx, coordstore.ModelConfigKey(key))
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if err := r.store.Del(ctx, coordstore.ModelConfigKey(key)); err != nil {
		return false, err
	}
	if err := r.store.SRem(ctx, coordstore.ModelKeysSet, key); err != nil {
		return false, err
	}
	return true, nil
}

// SeedDefaults writes the built-in descriptors. Existing descriptors are
// left alone unless force is set. Returns the number seeded.
func (r *Registry) SeedDefaults(ctx context.Context, force bool) (int, error) {
	seeded := 0
	for _, d := range DefaultDescriptors() {
		exists, err := r.store.Exists(ctx, coordstore.ModelConfigKey(d.Key))
		if err != nil {
			return seeded, err
		}
		if exists && !force {
			continue
		}
		if err := r.Put(ctx, d); err != nil {
			return seeded, err
		}
		seeded++
	}
	if seeded > 0 {
		slog.Info("Seeded model descriptors", "count", seeded, "force", force)
	}
	return seeded, nil
}

func toFields(d Descriptor) map[string]string {
	return map[string]string{
		"ssh_host":       d.SSHHost,
		"ssh_user":       d.SSHUser,
		"local_port":     strconv.Itoa(d.LocalPort),
		"remote_host":    d.RemoteHost,
		"remote_port":    strconv.Itoa(d.RemotePort),
		"endpoint_path":  d.EndpointPath,
		"supports_video": strconv.FormatBool(d.SupportsVideo),
		"model_id":       d.ModelID,
		"temperature":    strconv.FormatFloat(d.Temperature, 'f', -1, 64),
		"top_p":          strconv.FormatFloat(d.TopP, 'f', -1, 64),
		"top_k":          strconv.Itoa(d.TopK),
		"max_tokens":     strconv.Itoa(d.MaxTokens),
		"updated_at":     d.UpdatedAt,
	}
}

func fromFields(key string, fields map[string]string) Descriptor {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	atof := func(s string) float64 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	return Descriptor{
		Key:           key,
		SSHHost:       fields["ssh_host"],
		SSHUser:       fields["ssh_user"],
		LocalPort:     atoi(fields["local_port"]),
		RemoteHost:    fields["remote_host"],
		RemotePort:    atoi(fields["remote_port"]),
		EndpointPath:  fields["endpoint_path"],
		SupportsVideo: fields["supports_video"] == "true",
		ModelID:       fields["model_id"],
		Temperature:   atof(fields["temperature"]),
		TopP:          atof(fields["top_p"]),
		TopK:          atoi(fields["top_k"]),
		MaxTokens:     atoi(fields["max_tokens"]),
		UpdatedAt:     fields["updated_at"],
	}
}
