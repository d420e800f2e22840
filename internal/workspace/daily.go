package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/diaryx/diaryx-go/internal/link"
	"github.com/diaryx/diaryx-go/internal/model"
)

// Daily hierarchy naming: <daily root>/<YYYY>/<MM>/<YYYY-MM-DD>.md with
// an index at each level. Preexisting alternate index names (2026.md vs
// 2026_index.md) are honored: any file in the expected directory carrying
// a contents key counts as that level's index. Directory names are not
// matched: the year and month directories are always the numeric YYYY and
// MM, so an existing january/ directory is not used.
const dailyIndexFilename = "daily_index.md"

func yearIndexFilename(t time.Time) string {
	return fmt.Sprintf("%04d_index.md", t.Year())
}

func monthIndexFilename(t time.Time) string {
	return fmt.Sprintf("%04d_%s.md", t.Year(), strings.ToLower(t.Month().String()))
}

// DailyEntryPath returns the canonical path for the date's entry under
// dailyRoot ("" means the workspace root).
func DailyEntryPath(dailyRoot string, t time.Time) string {
	return link.Join(dailyRoot,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		t.Format("2006-01-02")+".md",
	)
}

// EnsureDailyEntry creates the date's entry and its three-level index
// hierarchy if missing. Calling it again for the same date is a no-op
// that returns the existing path.
func (w *Workspace) EnsureDailyEntry(ctx context.Context, dailyRoot string, t time.Time) (string, error) {
	entryPath := DailyEntryPath(dailyRoot, t)
	if exists, err := w.fs.Exists(ctx, entryPath); err != nil {
		return "", err
	} else if exists {
		return entryPath, nil
	}

	monthIndex, err := w.ensureDailyHierarchy(ctx, dailyRoot, t)
	if err != nil {
		return "", err
	}

	title := t.Format("2006-01-02")
	md := model.FileMetadata{
		FileID:   uuid.NewString(),
		Filename: link.Base(entryPath),
		Title:    &title,
		PartOf:   &monthIndex,
	}
	body := "\n# " + title + "\n"
	if err := w.writeEntry(ctx, entryPath, nil, &md, body); err != nil {
		return "", err
	}
	if err := w.addToIndexContents(ctx, monthIndex, entryPath); err != nil {
		return "", err
	}
	w.emitWorkspaceUpdate()
	w.logger.Info("daily entry created", "path", entryPath)
	return entryPath, nil
}

// ensureDailyHierarchy walks daily → year → month, creating any missing
// index, and returns the month index path.
func (w *Workspace) ensureDailyHierarchy(ctx context.Context, dailyRoot string, t time.Time) (string, error) {
	yearDir := link.Join(dailyRoot, fmt.Sprintf("%04d", t.Year()))
	monthDir := link.Join(yearDir, fmt.Sprintf("%02d", int(t.Month())))
	if err := w.fs.MkdirAll(ctx, monthDir); err != nil {
		return "", err
	}

	dailyIndex, err := w.ensureLevelIndex(ctx, dailyRoot, dailyIndexFilename, "Daily", "")
	if err != nil {
		return "", err
	}
	yearIndex, err := w.ensureLevelIndex(ctx, yearDir, yearIndexFilename(t), fmt.Sprintf("%04d", t.Year()), dailyIndex)
	if err != nil {
		return "", err
	}
	monthTitle := fmt.Sprintf("%s %04d", t.Month().String(), t.Year())
	monthIndex, err := w.ensureLevelIndex(ctx, monthDir, monthIndexFilename(t), monthTitle, yearIndex)
	if err != nil {
		return "", err
	}
	return monthIndex, nil
}

// ensureLevelIndex returns the directory's existing index, or creates
// one named defaultName, linked under parentIndex when given.
func (w *Workspace) ensureLevelIndex(ctx context.Context, dir, defaultName, title, parentIndex string) (string, error) {
	if existing, err := w.FindAnyIndexInDir(ctx, dir); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	indexPath := link.Join(dir, defaultName)
	empty := []string{}
	md := model.FileMetadata{
		FileID:   uuid.NewString(),
		Filename: defaultName,
		Title:    &title,
		Contents: &empty,
	}
	if parentIndex != "" {
		md.PartOf = &parentIndex
	} else if root, err := w.FindRootIndexInDir(ctx, link.Dir(dir)); err == nil && root != "" && root != indexPath {
		// The daily index hangs off the workspace root when one exists.
		md.PartOf = &root
		defer func() {
			if err := w.addToIndexContents(ctx, root, indexPath); err != nil {
				w.logger.Warn("failed linking daily index into root", "root", root, "error", err)
			}
		}()
	}
	if err := w.writeEntry(ctx, indexPath, nil, &md, "\n# "+title+"\n"); err != nil {
		return "", err
	}
	if parentIndex != "" {
		if err := w.addToIndexContents(ctx, parentIndex, indexPath); err != nil {
			return "", err
		}
	}
	return indexPath, nil
}
