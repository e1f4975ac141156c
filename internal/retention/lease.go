package retention

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrNotOwner is returned when renewing or releasing a lease held by
// another runner.
var ErrNotOwner = errors.New("lease not owned")

// fileLease is a lock file under the data directory that keeps two
// processes sharing a directory from purging at the same time.
type fileLease struct {
	path   string
	now    func() time.Time
	logger *zap.Logger
}

type leaseFile struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func newFileLease(dir string, now func() time.Time, logger *zap.Logger) *fileLease {
	return &fileLease{path: filepath.Join(dir, "retention.lock"), now: now, logger: logger}
}

// Acquire takes the lease for owner unless someone else holds an unexpired
// one.
func (l *fileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	tmp, err := l.writeTmp(leaseFile{Owner: owner, Expires: l.now().Add(ttl)})
	if err != nil {
		return false, err
	}
	// link fails if the lock already exists
	if err := os.Link(tmp, l.path); err == nil {
		_ = os.Remove(tmp)
		l.logger.Debug("lease_acquired", zap.String("owner", owner))
		return true, nil
	}

	existing, err := l.read()
	if err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	if existing.Expires.Before(l.now()) {
		if err := os.Rename(tmp, l.path); err != nil {
			return false, errors.Wrap(err, "replace expired lease")
		}
		l.logger.Info("lease_acquired_expired", zap.String("owner", owner), zap.String("previous_owner", existing.Owner))
		return true, nil
	}
	_ = os.Remove(tmp)
	l.logger.Info("lease_currently_held", zap.String("owner", existing.Owner), zap.Time("expires", existing.Expires))
	return false, nil
}

// Renew pushes the expiry of a lease owner holds.
func (l *fileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return errors.Wrapf(ErrNotOwner, "held by %s", existing.Owner)
	}
	existing.Expires = l.now().Add(ttl)
	tmp, err := l.writeTmp(existing)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return errors.Wrap(err, "rename renewed lease")
	}
	return nil
}

// Release drops the lease if owner holds it.
func (l *fileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return errors.Wrapf(ErrNotOwner, "held by %s", existing.Owner)
	}
	if err := os.Remove(l.path); err != nil {
		return errors.Wrap(err, "remove lease")
	}
	l.logger.Debug("lease_released", zap.String("owner", owner))
	return nil
}

func (l *fileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, errors.Wrap(err, "read lease")
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, errors.Wrap(err, "decode lease")
	}
	return lf, nil
}

func (l *fileLease) writeTmp(lf leaseFile) (string, error) {
	b, err := json.Marshal(lf)
	if err != nil {
		return "", errors.Wrap(err, "encode lease")
	}
	f, err := os.CreateTemp(filepath.Dir(l.path), "retention.lock.*")
	if err != nil {
		return "", errors.Wrap(err, "create lease tmp")
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return "", errors.Wrap(err, "write lease tmp")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", errors.Wrap(err, "close lease tmp")
	}
	return f.Name(), nil
}
