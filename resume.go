package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// runResume downloads every unfinished region again. Tiles already in the
// cache are not requested twice.
func runResume(ctx context.Context) error {
	run, err := startJobRun(ctx)
	if err != nil {
		return err
	}
	n, err := run.engine.Manager.Resume(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		run.log.Info("no unfinished regions")
		return nil
	}
	run.log.Infof("resuming %d regions", n)
	return run.wait(ctx, n)
}

func runList(ctx context.Context) error {
	e, err := NewEngine(ctx, EngineHooks{})
	if err != nil {
		return err
	}
	SafeExitInst.Register(e.Close)

	all, err := e.Manager.ListRegions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSOURCE\tZOOM\tBOUNDS\tCREATED\tSTATUS")
	for _, r := range all {
		status := "done"
		if !r.Done {
			status = "incomplete"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%.4f,%.4f,%.4f,%.4f\t%s\t%s\n",
			r.MapID, r.Title, r.Source, r.MaxZoom, r.Lng0, r.Lat0, r.Lng1, r.Lat1,
			time.Unix(r.Timestamp, 0).Format("2006-01-02 15:04"), status)
	}
	return w.Flush()
}

// runDelete removes a region and unpins its tiles.
func runDelete(ctx context.Context) error {
	if regionArg == 0 {
		return errors.New("delete: -id is required")
	}
	e, err := NewEngine(ctx, EngineHooks{})
	if err != nil {
		return err
	}
	SafeExitInst.Register(e.Close)
	if err := e.Manager.DeleteRegion(ctx, regionArg); err != nil {
		return err
	}
	log.WithField("region", regionArg).Info("region deleted")
	return nil
}

func runShrink(ctx context.Context) error {
	e, err := NewEngine(ctx, EngineHooks{})
	if err != nil {
		return err
	}
	SafeExitInst.Register(e.Close)

	limit := budget
	if limit <= 0 {
		limit = conf.Cache.MaxBytes
	}
	rep, err := e.Janitor.ShrinkToBudget(ctx, limit)
	if err != nil {
		return err
	}
	log.Infof("cache %d -> %d bytes (%d pinned), %d tiles deleted, %d stores vacuumed",
		rep.Before.Bytes, rep.After.Bytes, rep.After.Pinned, rep.Deleted, rep.Vacuumed)
	return nil
}
