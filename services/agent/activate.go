package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/pkg/wire"
)

// Activator switches the active profile to a delivered artifact.
type Activator struct {
	store   *LocalStore
	profile *Profile
	hook    Hook
	log     zerolog.Logger

	mu sync.Mutex
}

func NewActivator(store *LocalStore, profile *Profile, hook Hook, log zerolog.Logger) *Activator {
	return &Activator{store: store, profile: profile, hook: hook, log: log}
}

// Active returns the artifact the profile currently points at.
func (a *Activator) Active() digest.Digest {
	_, d, err := a.profile.Active()
	if err != nil {
		a.log.Warn().Err(err).Msg("read active profile")
		return ""
	}
	return d
}

// Activate makes target the active artifact. The closure must already be in
// the local store. The hook runs against a staged generation; only when it
// succeeds does the active pointer move. On failure the pointer stays at the
// previous generation and the hook is re-run for it.
func (a *Activator) Activate(ctx context.Context, target digest.Digest, closure []digest.Digest) wire.Outcome {
	if !a.mu.TryLock() {
		prev := a.Active()
		return wire.Outcome{Reason: fleet.ReasonActivationInProgress, Active: prev, Restored: prev,
			Detail: "another activation is running"}
	}
	defer a.mu.Unlock()

	log := a.log.With().Str("target", target.Short()).Logger()

	prevGen, prev, err := a.profile.Active()
	if err != nil {
		return wire.Outcome{Reason: fleet.ReasonInternal, Detail: err.Error()}
	}
	failed := func(reason fleet.Reason, detail string) wire.Outcome {
		return wire.Outcome{Reason: reason, Detail: detail, Active: prev, Restored: prev}
	}

	if missing := a.missing(target, closure); len(missing) > 0 {
		log.Warn().Int("missing", len(missing)).Msg("activation refused, closure incomplete")
		return failed(fleet.ReasonIncompleteClosure, "missing "+joinShort(missing))
	}

	storePath := a.store.Path(target)
	gen, err := a.profile.Stage(storePath)
	if err != nil {
		return failed(fleet.ReasonInternal, err.Error())
	}

	if err := a.hook.Run(ctx, target, storePath); err != nil {
		log.Error().Err(err).Int("generation", gen).Msg("activation hook failed")
		if derr := a.profile.Discard(gen); derr != nil {
			log.Warn().Err(derr).Int("generation", gen).Msg("discard failed generation")
		}
		a.restore(ctx, prevGen, prev)
		return failed(fleet.ReasonActivationHookFailure, err.Error())
	}

	if err := a.profile.Switch(gen); err != nil {
		log.Error().Err(err).Int("generation", gen).Msg("switch profile")
		_ = a.profile.Discard(gen)
		a.restore(ctx, prevGen, prev)
		return failed(fleet.ReasonInternal, err.Error())
	}

	log.Info().Int("generation", gen).Msg("activated")
	return wire.Outcome{Success: true, Active: target}
}

// restore re-applies the previous generation after a failed hook left the
// system in an unknown state.
func (a *Activator) restore(ctx context.Context, gen int, prev digest.Digest) {
	if gen == 0 || prev.IsZero() {
		return
	}
	if err := a.hook.Run(context.WithoutCancel(ctx), prev, a.store.Path(prev)); err != nil {
		a.log.Error().Err(err).Str("previous", prev.Short()).Msg("re-applying previous generation failed")
	}
}

func (a *Activator) missing(target digest.Digest, closure []digest.Digest) []digest.Digest {
	var out []digest.Digest
	if !a.store.Has(target) {
		out = append(out, target)
	}
	for _, d := range closure {
		if d != target && !a.store.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func joinShort(ds []digest.Digest) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.Short()
	}
	return strings.Join(parts, ", ")
}
