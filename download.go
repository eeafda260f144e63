package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tilecache/internal/offline"
	"tilecache/internal/regions"
)

// progressBar follows one region's progress on the terminal. Its methods
// run on the manager's main queue.
type progressBar struct {
	bar *pb.ProgressBar
}

func (p *progressBar) update(pr offline.Progress) {
	if p.bar == nil {
		p.bar = pb.New(pr.Total).Prefix(fmt.Sprintf("Region %d : ", pr.RegionID)).Postfix("\n")
		p.bar.SetRefreshRate(time.Second)
		p.bar.Start()
	}
	atomic.StoreInt64(&p.bar.Total, int64(pr.Total))
	p.bar.Set(pr.Downloaded)
}

func (p *progressBar) finish(msg string) {
	if p.bar == nil {
		fmt.Println(msg)
		return
	}
	p.bar.FinishPrint(msg)
}

// jobRun starts an engine whose coordinator runs only the jobs this
// command queues.
type jobRun struct {
	ID     string
	engine *Engine
	bar    *progressBar
	done   chan offline.Result
	log    *logrus.Entry
}

func startJobRun(ctx context.Context) (*jobRun, error) {
	id, _ := shortid.Generate()
	r := &jobRun{
		ID:   id,
		bar:  new(progressBar),
		done: make(chan offline.Result, 16),
		log:  log.WithField("run", id),
	}
	e, err := NewEngine(ctx, EngineHooks{
		OnProgress: r.bar.update,
		OnComplete: func(res offline.Result) { r.done <- res },
	})
	if err != nil {
		return nil, err
	}
	r.engine = e
	SafeExitInst.Register(e.Close)
	e.Manager.Coordinator().Start()
	return r, nil
}

// wait blocks until n jobs complete and returns the first failure.
func (r *jobRun) wait(ctx context.Context, n int) error {
	var errs []error
	for i := 0; i < n; i++ {
		select {
		case res := <-r.done:
			l := r.log.WithField("region", res.JobID)
			switch {
			case res.Err != nil:
				l.WithError(res.Err).Error("region failed")
				errs = append(errs, fmt.Errorf("region %d: %w", res.JobID, res.Err))
			case res.Canceled:
				l.Warn("region canceled")
			default:
				l.Infof("region done, %.2f kb added", float64(res.BytesAdded)/1024.0)
			}
			r.bar.finish(fmt.Sprintf("Region %d finished ~", res.JobID))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func runDownload(ctx context.Context) error {
	start := time.Now()
	bound, err := regionBound()
	if err != nil {
		return err
	}
	if sourceName == "" {
		return errors.New("download: -source is required")
	}
	name := title
	if name == "" && geojsonPath != "" {
		name = strings.TrimSuffix(filepath.Base(geojsonPath), filepath.Ext(geojsonPath))
	}
	if name == "" {
		name = sourceName
	}

	run, err := startJobRun(ctx)
	if err != nil {
		return err
	}
	r, err := run.engine.Manager.SaveRegion(ctx, offline.RegionRequest{
		Title:   name,
		Source:  sourceName,
		Lng0:    bound.Min.Lon(),
		Lat0:    bound.Min.Lat(),
		Lng1:    bound.Max.Lon(),
		Lat1:    bound.Max.Lat(),
		MaxZoom: maxZoom,
	})
	if err != nil {
		return err
	}
	logRegion(run.log, r).Info("region queued")
	if err := run.wait(ctx, 1); err != nil {
		return err
	}
	run.log.Infof("%.3fs finished...", time.Since(start).Seconds())
	return nil
}

func runImport(ctx context.Context) error {
	if archivePath == "" || sourceName == "" {
		return errors.New("import: -file and -source are required")
	}
	run, err := startJobRun(ctx)
	if err != nil {
		return err
	}
	r, err := run.engine.Manager.ImportArchive(ctx, archivePath, sourceName)
	if err != nil {
		return err
	}
	logRegion(run.log, r).Infof("importing %s", archivePath)
	return run.wait(ctx, 1)
}

func logRegion(l logrus.FieldLogger, r *regions.Region) logrus.FieldLogger {
	return l.WithFields(logrus.Fields{
		"region": r.MapID,
		"source": r.Source,
		"bounds": fmt.Sprintf("%.5f,%.5f,%.5f,%.5f", r.Lng0, r.Lat0, r.Lng1, r.Lat1),
		"zoom":   r.MaxZoom,
	})
}

// regionBound reads the region from -bounds or the -geojson outline.
func regionBound() (orb.Bound, error) {
	switch {
	case boundsArg != "":
		return parseBound(boundsArg)
	case geojsonPath != "":
		c, err := loadCollection(geojsonPath)
		if err != nil {
			return orb.Bound{}, err
		}
		if len(c) == 0 {
			return orb.Bound{}, fmt.Errorf("%s: no geometry", geojsonPath)
		}
		return c.Bound(), nil
	}
	return orb.Bound{}, errors.New("download: one of -bounds or -geojson is required")
}

func parseBound(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bounds %q: want lng0,lat0,lng1,lat1", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bounds %q: %w", s, err)
		}
		v[i] = f
	}
	return orb.MultiPoint{{v[0], v[1]}, {v[2], v[3]}}.Bound(), nil
}
