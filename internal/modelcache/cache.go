// Package modelcache holds the synthesis resources a worker process has
// loaded. Each resource is loaded at most once per key; concurrent first
// requests for the same key share one load.
package modelcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"golang.org/x/sync/singleflight"
)

// Kind separates the shared base model from per-voice fine-tuned models.
type Kind string

const (
	KindBase  Kind = "base"
	KindVoice Kind = "voice"
)

// Key identifies one cached resource. A new training run for the same voice
// has a different checkpoint and therefore a different key.
type Key struct {
	Kind       Kind
	VoiceID    string
	Checkpoint string
	ConfigPath string
}

// BaseKey returns the key of the shared base model.
func BaseKey() Key {
	return Key{Kind: KindBase}
}

// VoiceKey returns the key of a voice's fine-tuned model.
func VoiceKey(voiceID, checkpoint, configPath string) Key {
	return Key{Kind: KindVoice, VoiceID: voiceID, Checkpoint: checkpoint, ConfigPath: configPath}
}

// String returns the cache slot name.
func (k Key) String() string {
	if k.Kind == KindBase {
		return string(KindBase)
	}

	return fmt.Sprintf("%s:%s@%s", k.Kind, k.VoiceID, k.Checkpoint)
}

// LoadObserver is notified after every underlying load attempt.
type LoadObserver interface {
	ResourceLoaded(ctx context.Context, key string, err error)
}

// Cache serves loaded synthesis resources to the tasks of one worker process.
type Cache struct {
	loader   core.Synthesizer
	log      *logger.Logger
	observer LoadObserver

	mu        sync.RWMutex
	resources map[string]core.Voice
	group     singleflight.Group
}

// New creates an empty cache that loads through loader.
func New(loader core.Synthesizer, log *logger.Logger, observer LoadObserver) *Cache {
	return &Cache{
		loader:    loader,
		log:       log,
		observer:  observer,
		resources: make(map[string]core.Voice),
	}
}

// Get returns the resource for key, loading it on first use. A failed load
// is not remembered; the next call retries it.
func (c *Cache) Get(ctx context.Context, key Key) (core.Voice, error) {
	slot := key.String()

	voice, ok := c.lookup(slot)
	if ok {
		return voice, nil
	}

	value, err, shared := c.group.Do(slot, func() (any, error) {
		// A caller that lost the race to a load that already completed
		// finds the resource here instead of loading again.
		cached, found := c.lookup(slot)
		if found {
			return cached, nil
		}

		c.log.Info("Loading synthesis resource %s", slot)

		loaded, loadErr := c.loader.Load(ctx, core.ModelSpec{
			VoiceID:    key.VoiceID,
			Checkpoint: key.Checkpoint,
			ConfigPath: key.ConfigPath,
		})

		if c.observer != nil {
			c.observer.ResourceLoaded(ctx, slot, loadErr)
		}

		if loadErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", core.ErrResourceLoad, slot, loadErr)
		}

		c.mu.Lock()
		c.resources[slot] = loaded
		c.mu.Unlock()

		c.log.Info("Synthesis resource %s ready", slot)

		return loaded, nil
	})
	if err != nil {
		c.log.Error("Failed to load synthesis resource %s (shared=%t): %v", slot, shared, err)

		return nil, err
	}

	voice, ok = value.(core.Voice)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected resource type %T", core.ErrResourceLoad, slot, value)
	}

	return voice, nil
}

// Len returns the number of loaded resources.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.resources)
}

func (c *Cache) lookup(slot string) (core.Voice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	voice, ok := c.resources[slot]

	return voice, ok
}
