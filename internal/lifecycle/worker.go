package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cirrusfs/cirrusfs/internal/engine"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

// Worker periodically applies bucket lifecycle configurations: expiring
// current versions past Expiration.Days through the normal delete path, and
// hard-deleting noncurrent versions past NoncurrentDays. Every action it
// takes is idempotent, so overlapping or repeated sweeps are harmless.
type Worker struct {
	engine   *engine.Engine
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates a janitor sweeping at the given interval.
func NewWorker(e *engine.Engine, interval time.Duration) *Worker {
	return &Worker{
		engine:   e,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (w *Worker) Start() {
	logrus.WithField("interval", w.interval.String()).Info("Lifecycle worker started")
	go w.run()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
	logrus.Info("Lifecycle worker stopped")
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.RunOnce(context.Background()); err != nil {
				logrus.WithError(err).Error("Lifecycle sweep failed")
			}
		}
	}
}

// RunOnce sweeps every bucket once. Per-bucket failures are logged and do
// not stop the sweep.
func (w *Worker) RunOnce(ctx context.Context) error {
	buckets, err := w.engine.ListBuckets(ctx, "")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, bucket := range buckets {
		config, err := w.engine.GetBucketLifecycle(ctx, bucket.Name)
		if err != nil {
			if errors.Is(err, s3err.ErrNoSuchLifecycle) {
				continue
			}
			logrus.WithError(err).WithField("bucket", bucket.Name).Warn("Failed to load lifecycle configuration")
			continue
		}
		for i := range config.Rules {
			rule := &config.Rules[i]
			if !rule.Enabled() {
				continue
			}
			if rule.Expiration != nil {
				w.expireCurrent(ctx, bucket.Name, rule, now)
			}
			if rule.NoncurrentVersionExpiration != nil {
				w.expireNoncurrent(ctx, bucket.Name, rule, now)
			}
		}
	}
	return nil
}

// expireCurrent deletes current versions older than Expiration.Days
// through the regular delete path, so versioned buckets gain delete
// markers rather than losing data.
func (w *Worker) expireCurrent(ctx context.Context, bucket string, rule *engine.LifecycleRule, now time.Time) {
	cutoff := now.Add(-time.Duration(rule.Expiration.Days) * 24 * time.Hour)

	var expired []string
	token := ""
	for {
		page, err := w.engine.ListObjects(ctx, engine.ListObjectsInput{
			Bucket:            bucket,
			Prefix:            rule.KeyPrefix(),
			ContinuationToken: token,
			MaxKeys:           -1,
			V2:                true,
		})
		if err != nil {
			logrus.WithError(err).WithField("bucket", bucket).Warn("Lifecycle listing failed")
			return
		}
		for _, obj := range page.Objects {
			if obj.LastModified.Before(cutoff) {
				expired = append(expired, obj.Key)
			}
		}
		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}

	for _, key := range expired {
		if _, err := w.engine.DeleteObject(ctx, bucket, key, ""); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"bucket": bucket, "key": key,
			}).Warn("Lifecycle expiration failed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"bucket": bucket, "key": key, "rule": rule.ID,
		}).Info("Lifecycle expired current version")
	}
}

// expireNoncurrent hard-deletes noncurrent versions older than
// NoncurrentDays, always retaining the NewerNoncurrentVersions newest
// noncurrent versions of each key.
func (w *Worker) expireNoncurrent(ctx context.Context, bucket string, rule *engine.LifecycleRule, now time.Time) {
	nve := rule.NoncurrentVersionExpiration
	cutoff := now.Add(-time.Duration(nve.NoncurrentDays) * 24 * time.Hour)

	type victim struct {
		key       string
		versionID string
	}
	var victims []victim

	keyMarker, versionMarker := "", ""
	currentKey := ""
	noncurrentSeen := 0
	for {
		page, err := w.engine.ListObjectVersions(ctx, engine.ListVersionsInput{
			Bucket:          bucket,
			Prefix:          rule.KeyPrefix(),
			KeyMarker:       keyMarker,
			VersionIDMarker: versionMarker,
			MaxKeys:         -1,
		})
		if err != nil {
			logrus.WithError(err).WithField("bucket", bucket).Warn("Lifecycle version listing failed")
			return
		}

		// Versions arrive in key order, newest first within each key, so a
		// per-key counter suffices to honor the retention floor.
		for _, version := range page.Versions {
			if version.Key != currentKey {
				currentKey = version.Key
				noncurrentSeen = 0
			}
			if version.IsLatest {
				continue
			}
			noncurrentSeen++
			if noncurrentSeen <= nve.NewerNoncurrentVersions {
				continue
			}
			if version.LastModified.Before(cutoff) {
				victims = append(victims, victim{key: version.Key, versionID: version.VersionID})
			}
		}

		if !page.IsTruncated {
			break
		}
		keyMarker = page.NextKeyMarker
		versionMarker = page.NextVersionIDMarker
	}

	for _, v := range victims {
		if _, err := w.engine.DeleteObject(ctx, bucket, v.key, v.versionID); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"bucket": bucket, "key": v.key, "version_id": v.versionID,
			}).Warn("Lifecycle noncurrent expiration failed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"bucket": bucket, "key": v.key, "version_id": v.versionID, "rule": rule.ID,
		}).Info("Lifecycle removed noncurrent version")
	}
}
