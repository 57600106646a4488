package opamci

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/karrick/godirwalk"
	log "github.com/sirupsen/logrus"
)

// WatchRepo watches a package repository checkout until the context is
// done. Every change to a file below dir is sent on changed. New
// directories are picked up as they appear; VCS and build scratch
// directories are ignored.
func WatchRepo(ctx context.Context, dir string) (changed <-chan string, errs <-chan error) {
	var (
		chng    = make(chan string)
		errchan = make(chan error, 1)
	)
	changed = chng
	errs = errchan

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errchan <- err
		return
	}

	err = godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, info *godirwalk.Dirent) error {
			if !info.IsDir() {
				return nil
			}
			if ignoredDir(filepath.Base(path)) {
				return filepath.SkipDir
			}

			log.WithField("path", path).Debug("adding watcher")
			return watcher.Add(path)
		},
		Unsorted: true,
	})
	if err != nil {
		watcher.Close()
		errchan <- err
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case evt := <-watcher.Events:
				if ignoredDir(filepath.Base(filepath.Dir(evt.Name))) {
					continue
				}

				if evt.Op&fsnotify.Create != 0 {
					// a new directory needs its own watch
					_ = watcher.Add(evt.Name)
				}

				log.WithField("path", evt.Name).Debug("source file changed")
				select {
				case chng <- evt.Name:
				case <-ctx.Done():
					return
				}
			case err := <-watcher.Errors:
				errchan <- err
			case <-ctx.Done():
				return
			}
		}
	}()

	return
}

func ignoredDir(name string) bool {
	return name == ".git" || name == "_build"
}
