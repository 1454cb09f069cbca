package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultLayout = "20060102150405"

// Promote renames the install path to <path>_<timestamp> so the new release
// can be installed in its place. A missing install path means there is
// nothing to back up.
type Promote struct {
	Path   string
	Layout string
	Now    func() time.Time
	DryRun bool
}

func (p *Promote) Name() string { return "back up " + p.Path }

func (p *Promote) Run(context.Context) error {
	if _, err := os.Stat(p.Path); errors.Is(err, fs.ErrNotExist) {
		logrus.WithField("path", p.Path).Info("nothing installed yet, skipping backup")
		return nil
	} else if err != nil {
		return err
	}

	now := p.Now()
	target := p.Target(now)
	log := logrus.WithFields(logrus.Fields{"path": p.Path, "backup": target})
	if p.DryRun {
		log.Info("would rename install path")
		return nil
	}

	if err := os.Rename(p.Path, target); err != nil {
		return err
	}
	// A rename keeps the old mtime, rotation orders by mtime
	if err := os.Chtimes(target, now, now); err != nil {
		log.WithError(err).Warn("could not touch backup")
	}
	log.Info("install path backed up")
	return nil
}

func (p *Promote) Target(now time.Time) string {
	return p.Path + "_" + now.Format(layoutOrDefault(p.Layout))
}

func layoutOrDefault(layout string) string {
	if layout == "" {
		return defaultLayout
	}
	return layout
}

// Rotate deletes all but the Keep most recently modified backups of Path.
// Only directories named with Layout, as Promote names them, are backups.
type Rotate struct {
	Path   string
	Layout string
	Keep   int
	DryRun bool
}

func (r *Rotate) Name() string { return "rotate backups of " + r.Path }

func (r *Rotate) Run(context.Context) error {
	backups, err := Backups(r.Path, r.Layout)
	if err != nil {
		return err
	}
	if len(backups) <= r.Keep {
		return nil
	}

	var errs []error
	for _, backup := range backups[max(r.Keep, 0):] {
		log := logrus.WithField("backup", backup.Path)
		if r.DryRun {
			log.Info("would delete backup")
			continue
		}
		if err := os.RemoveAll(backup.Path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", backup.Path, err))
			continue
		}
		log.Info("backup deleted")
	}
	return errors.Join(errs...)
}

type Backup struct {
	Path    string
	ModTime time.Time
}

// Backups lists the <path>_<timestamp> directories, newest first. Siblings
// whose suffix does not parse with layout are left out.
func Backups(path, layout string) ([]Backup, error) {
	layout = layoutOrDefault(layout)
	dir, base := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var backups []Backup
	for _, entry := range entries {
		suffix, ok := strings.CutPrefix(entry.Name(), base+"_")
		if !ok || !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(layout, suffix); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed since ReadDir
			continue
		}
		backups = append(backups, Backup{Path: filepath.Join(dir, entry.Name()), ModTime: info.ModTime()})
	}

	slices.SortFunc(backups, func(a, b Backup) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return strings.Compare(b.Path, a.Path)
	})
	return backups, nil
}
