package directory

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/pkg/retry"
)

// arrived is the value a site writes under its barrier key
const arrived = "arrived"

// LookupWait polls dir until key is present or ctx is done. Failures other
// than a missing key abort immediately: a directory that stops answering
// mid-deployment is fatal.
func LookupWait(ctx context.Context, dir Directory, key string) (string, error) {
	var value string
	err := retry.Poll(ctx, retry.UntilDeadline(), func() (bool, error) {
		v, err := dir.Lookup(ctx, key)
		switch {
		case err == nil:
			value = v
			return true, nil
		case stderrors.Is(err, errors.ErrKeyNotFound):
			return false, nil
		case ctx.Err() != nil:
			return false, nil
		default:
			return false, err
		}
	})
	if err == nil {
		return value, nil
	}
	if ctx.Err() != nil {
		return "", errors.WrapFatal(fmt.Errorf("%w: waiting for %s", errors.ErrDeploymentTimeout, key),
			"Directory", "LookupWait", key)
	}
	return "", errors.WrapFatal(err, "Directory", "LookupWait", key)
}

// Barrier is a rendezvous of a fixed set of sites through the directory.
//
// Marks are scoped to an epoch so that keys left behind by an earlier run of
// the same session, in a durable store or by a crashed site, never satisfy a
// later barrier. The first site in name order leads: it clears the join keys
// and the previous epoch's marks, waits for every other site to post a
// fresh nonce under join/<session>/<site>, and then publishes
// epoch/<session> naming the new epoch and the nonces it saw. A site only
// accepts an epoch that echoes its own nonce. Each site then writes
// barrier/<session>/<epoch>/<phase>/<site> and waits until the marks of all
// sites are present. Marks are never removed while the epoch is live; the
// next leader sweeps them.
type Barrier struct {
	dir     Directory
	session string
	site    string
	sites   []string
	phases  []string
	nonce   string

	mu    sync.Mutex
	epoch string
}

// NewBarrier creates the barrier of one site. sites lists every participant,
// this site included. phases names the phases whose marks a leader sweeps
// from the previous epoch.
func NewBarrier(dir Directory, session, site string, sites []string, phases ...string) *Barrier {
	sorted := append([]string(nil), sites...)
	if !slices.Contains(sorted, site) {
		sorted = append(sorted, site)
	}
	sort.Strings(sorted)
	return &Barrier{
		dir:     dir,
		session: session,
		site:    site,
		sites:   sorted,
		phases:  phases,
		nonce:   uuid.NewString(),
	}
}

// Epoch returns the epoch this site joined, empty before the first Await
func (b *Barrier) Epoch() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Await announces arrival at phase and blocks until every site has arrived
// or ctx is done. The first call joins the epoch.
func (b *Barrier) Await(ctx context.Context, phase string) error {
	epoch, err := b.join(ctx)
	if err != nil {
		return err
	}

	if err := b.dir.Put(ctx, BarrierKey(b.session, epoch, phase, b.site), arrived); err != nil {
		return errors.WrapFatal(err, "Barrier", "Await", fmt.Sprintf("announce %s", phase))
	}
	for _, site := range b.sites {
		if _, err := LookupWait(ctx, b.dir, BarrierKey(b.session, epoch, phase, site)); err != nil {
			return b.missing(err, phase, site)
		}
	}
	return nil
}

func (b *Barrier) join(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != "" {
		return b.epoch, nil
	}

	var (
		epoch string
		err   error
	)
	if b.site == b.sites[0] {
		epoch, err = b.lead(ctx)
	} else {
		epoch, err = b.follow(ctx)
	}
	if err != nil {
		return "", err
	}
	b.epoch = epoch
	return epoch, nil
}

// lead opens a new epoch once every other site has posted a nonce
func (b *Barrier) lead(ctx context.Context) (string, error) {
	if err := b.sweep(ctx); err != nil {
		return "", errors.WrapFatal(err, "Barrier", "join", "sweep previous epoch")
	}

	acks := []string{b.nonce}
	for _, site := range b.sites[1:] {
		nonce, err := LookupWait(ctx, b.dir, JoinKey(b.session, site))
		if err != nil {
			return "", b.missing(err, "join", site)
		}
		acks = append(acks, site+"="+nonce)
	}

	if err := b.dir.Put(ctx, EpochKey(b.session), strings.Join(acks, " ")); err != nil {
		return "", errors.WrapFatal(err, "Barrier", "join", "publish epoch")
	}
	return b.nonce, nil
}

// sweep removes the join keys, the entry points and the marks of the
// previous epoch. No site publishes before the new epoch exists, so nothing
// of this run is removed.
func (b *Barrier) sweep(ctx context.Context) error {
	var keys []string
	if value, err := b.dir.Lookup(ctx, EpochKey(b.session)); err == nil {
		old, _ := parseEpoch(value)
		for _, phase := range b.phases {
			for _, site := range b.sites {
				keys = append(keys, BarrierKey(b.session, old, phase, site))
			}
		}
	} else if !stderrors.Is(err, errors.ErrKeyNotFound) {
		return err
	}
	for _, site := range b.sites {
		keys = append(keys, JoinKey(b.session, site), SiteKey(b.session, site))
	}

	for _, key := range keys {
		if err := b.dir.Remove(ctx, key); err != nil && !stderrors.Is(err, errors.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// follow posts this site's nonce until the leader publishes an epoch that
// echoes it. The nonce is posted again on every poll since the leader may
// sweep it once.
func (b *Barrier) follow(ctx context.Context) (string, error) {
	var epoch string
	err := retry.Poll(ctx, retry.UntilDeadline(), func() (bool, error) {
		if err := b.dir.Put(ctx, JoinKey(b.session, b.site), b.nonce); err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		value, err := b.dir.Lookup(ctx, EpochKey(b.session))
		switch {
		case err == nil:
			e, acks := parseEpoch(value)
			if acks[b.site] != b.nonce {
				return false, nil
			}
			epoch = e
			return true, nil
		case stderrors.Is(err, errors.ErrKeyNotFound), ctx.Err() != nil:
			return false, nil
		default:
			return false, err
		}
	})
	if err == nil {
		return epoch, nil
	}
	if ctx.Err() != nil {
		return "", errors.WrapFatal(fmt.Errorf("%w: phase join, site %s missing", errors.ErrBarrierTimeout, b.sites[0]),
			"Barrier", "Await", "join")
	}
	return "", errors.WrapFatal(err, "Barrier", "Await", "join")
}

func (b *Barrier) missing(err error, phase, site string) error {
	if stderrors.Is(err, errors.ErrDeploymentTimeout) {
		return errors.WrapFatal(fmt.Errorf("%w: phase %s, site %s missing", errors.ErrBarrierTimeout, phase, site),
			"Barrier", "Await", phase)
	}
	return err
}

// parseEpoch splits an epoch value into the epoch and the nonce each site
// joined with
func parseEpoch(value string) (string, map[string]string) {
	fields := strings.Fields(value)
	acks := make(map[string]string, len(fields))
	if len(fields) == 0 {
		return "", acks
	}
	for _, f := range fields[1:] {
		if site, nonce, ok := strings.Cut(f, "="); ok {
			acks[site] = nonce
		}
	}
	return fields[0], acks
}
