package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/imghash"
	"github.com/taskhub/internal/store"
)

// nearDuplicate is the dHash distance under which two images are the same
// picture.
const nearDuplicate = 4

type FolderOptions struct {
	// Extensions are matched case-insensitively, with the leading dot.
	Extensions []string
	NAnswers   int
}

// Folder imports one task per image file of dir, recording the file name and
// its dHash. Near duplicates within the folder are imported once.
func (importer *Importer) Folder(ctx context.Context, projectID int64, dir string, opts FolderOptions) (*Report, error) {
	files, err := imageFiles(dir, opts.Extensions)
	if err != nil {
		return nil, fmt.Errorf("importer: list %s: %w", dir, err)
	}
	logrus.WithFields(logrus.Fields{"project": projectID, "dir": dir, "files": len(files)}).Info("importing image folder")

	report := &Report{}
	var seen []imghash.Hash
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		hash, err := hashFile(filepath.Join(dir, name))
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("importer: %s: %w", name, err))
			continue
		}
		if slices.ContainsFunc(seen, func(h imghash.Hash) bool { return imghash.Distance(h, hash) <= nearDuplicate }) {
			report.Duplicates++
			continue
		}
		seen = append(seen, hash)

		task := &store.Task{
			ProjectID: projectID,
			NAnswers:  opts.NAnswers,
			Info: map[string]any{
				"filename": name,
				"dhash":    hash.String(),
			},
		}
		importer.add(ctx, report, task, name)
	}
	return report, nil
}

func hashFile(path string) (imghash.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return imghash.Compute(f)
}

func imageFiles(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		extension := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.ContainsFunc(extensions, func(allowed string) bool { return strings.EqualFold(allowed, extension) }) {
			files = append(files, entry.Name())
		}
	}

	// Sorted so repeat runs import in the same order
	slices.Sort(files)
	return files, nil
}
