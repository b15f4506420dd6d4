package transportepwa

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the worker.
type State int

const (
	Uninstalled State = iota
	Installing
	Waiting
	Activating
	Active
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	}
	return "unknown"
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

// ActiveGeneration returns the name of the generation currently serving
// requests, or the empty string before first activation.
func (w *Worker) ActiveGeneration() string {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.active
}

func (w *Worker) setState(state State) {
	w.stateMu.Lock()
	w.state = state
	w.stateMu.Unlock()
}

// generationName is the name of the generation this worker installs.
func (w *Worker) generationName() string {
	return w.appName + "-" + w.version
}

// generation is the generation the strategy engine reads and writes.
// Before first activation this is the generation being installed.
func (w *Worker) generation() string {
	if active := w.ActiveGeneration(); active != "" {
		return active
	}
	return w.generationName()
}

// Install provisions a new generation and prefetches the static asset
// manifest into it. Installation is atomic: if any asset fails, the
// partial generation is deleted and the error returned. The first
// install activates immediately; later installs leave the new
// generation waiting.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	generation := w.generationName()
	w.setState(Installing)
	w.log.Info().Str("generation", generation).Msg("Installing")

	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range w.staticAssets {
		asset := asset
		g.Go(func() error {
			return w.prefetch(gctx, generation, asset)
		})
	}
	if err := g.Wait(); err != nil {
		if derr := w.cache.DeleteGeneration(generation); derr != nil {
			w.log.Error().Err(derr).Str("generation", generation).Msg("Could not delete partial generation")
		}
		if w.ActiveGeneration() == "" {
			w.setState(Uninstalled)
		} else {
			w.setState(Active)
		}
		return fmt.Errorf("install %s: %w", generation, err)
	}

	generations, err := w.cache.Generations()
	if err != nil {
		return fmt.Errorf("install %s: %w", generation, err)
	}
	superseding := false
	for _, g := range generations {
		if g != generation {
			superseding = true
		}
	}
	if !superseding {
		// first install takes control immediately
		return w.activate(ctx)
	}
	w.setState(Waiting)
	w.log.Info().Str("generation", generation).Msg("Installed, waiting to activate")
	return nil
}

// Activate promotes the installed generation, deletes every other
// generation, and takes control of all open clients.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activate(ctx)
}

// SkipWaiting forces immediate activation of a waiting generation.
// Clients must reload to observe the new generation.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() != Waiting {
		return nil
	}
	return w.activate(ctx)
}

func (w *Worker) activate(ctx context.Context) error {
	generation := w.generationName()
	w.setState(Activating)
	w.log.Info().Str("generation", generation).Msg("Activating")

	generations, err := w.cache.Generations()
	if err != nil {
		return fmt.Errorf("activate %s: %w", generation, err)
	}
	for _, stale := range generations {
		if stale == generation {
			continue
		}
		w.log.Debug().Str("generation", stale).Msg("Deleting old generation")
		if err := w.cache.DeleteGeneration(stale); err != nil {
			return fmt.Errorf("activate %s: %w", generation, err)
		}
	}

	if err := w.clients.Claim(ctx); err != nil {
		return fmt.Errorf("activate %s: claim clients: %w", generation, err)
	}

	w.stateMu.Lock()
	w.active = generation
	w.state = Active
	w.stateMu.Unlock()
	w.log.Info().Str("generation", generation).Msg("Activated")
	return nil
}

// prefetch fetches a path from the origin and stores it in the given
// generation. Anything but HTTP 200 fails the prefetch.
func (w *Worker) prefetch(ctx context.Context, generation, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", path, err)
	}
	res, err := w.fetch(req)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("prefetch %s: unexpected status %d", path, res.StatusCode)
	}
	if !w.storeIn(generation, req, res) {
		return fmt.Errorf("prefetch %s: could not store", path)
	}
	return nil
}
