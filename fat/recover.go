package fat

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/hashicorp/go-multierror"

	"fatsalvage"
)

// Confidence grades a reconstruction by what the current FAT says about the
// clusters it used.
type Confidence int

const (
	// ConfidenceClean means every cluster of the reconstructed run is still
	// marked free: strong evidence nothing has overwritten the data.
	ConfidenceClean Confidence = iota

	// ConfidenceOverwritten means at least one cluster of the run is
	// allocated to something else. The bytes are returned anyway; the caller
	// decides whether a partial recovery is acceptable.
	ConfidenceOverwritten
)

func (c Confidence) String() string {
	if c == ConfidenceClean {
		return "clean"
	}
	return "overwritten"
}

// RecoveredFile is the result of recovering one entry. It is built in full
// before being returned and owned by the caller afterwards.
type RecoveredFile struct {
	// Name is the entry's display name; Path is its slash-joined location
	// within the recovered tree.
	Name string
	Path string

	// Deleted records whether the source entry carried the deletion marker.
	Deleted bool

	DeclaredSize uint32
	StartCluster ClusterID

	// Clusters is the run the bytes were read from. For deleted entries this
	// is a best-effort contiguous reconstruction, not a traced chain.
	Clusters []ClusterID

	Data       []byte
	Confidence Confidence
}

// Failure records one entry a sweep or tree recovery could not handle. A
// failed entry never stops its siblings.
type Failure struct {
	Path string
	Err  error
}

// DefaultDepthLimit bounds deleted-directory recursion when the caller does
// not set one.
const DefaultDepthLimit = 16

// RecoverOptions tunes the recovery engine.
type RecoverOptions struct {
	// DepthLimit is the maximum directory nesting depth recovery will
	// descend. Zero means DefaultDepthLimit.
	DepthLimit int
}

func (o RecoverOptions) depthLimit() int {
	if o.DepthLimit <= 0 {
		return DefaultDepthLimit
	}
	return o.DepthLimit
}

// RecoverDeleted reconstructs the content of a single deleted file entry.
//
// Deletion zeroes the FAT chain, so the allocation is assumed to be the
// contiguous run of ceil(size/clusterBytes) clusters beginning at the entry's
// start cluster. The current FAT value of each cluster is consulted purely
// as a diagnostic: a non-free value downgrades the result's confidence but
// never skips or truncates the run.
//
// A declared size of zero yields an empty result without touching the FAT.
// Start clusters below 2, or runs extending past the volume's last cluster,
// fail with ErrInvalidStartCluster before anything is read.
func RecoverDeleted(
	ctx context.Context, geo Geometry, img io.ReaderAt, table *TableReader,
	entry Dirent,
) (*RecoveredFile, error) {
	if entry.IsDir() {
		return nil, fatsalvage.ErrNotARegularFile.WithMessage(
			fmt.Sprintf("%q is a directory; use RecoverDeletedTree", entry.DisplayName()))
	}

	result := &RecoveredFile{
		Name:         entry.DisplayName(),
		Path:         entry.DisplayName(),
		Deleted:      entry.IsDeleted(),
		DeclaredSize: entry.FileSize,
		StartCluster: entry.StartCluster(geo.Variant),
		Data:         []byte{},
		Confidence:   ConfidenceClean,
	}

	if entry.FileSize == 0 {
		return result, nil
	}

	clusters, data, confidence, err := recoverRun(
		ctx, geo, img, table, result.StartCluster, int64(entry.FileSize))
	if err != nil {
		return nil, err
	}

	result.Clusters = clusters
	result.Data = data
	result.Confidence = confidence
	return result, nil
}

// recoverRun reads size bytes as a contiguous cluster run starting at start,
// trimming the final cluster to the declared size. The returned confidence
// reflects whether every cluster of the run is still free in the FAT.
func recoverRun(
	ctx context.Context, geo Geometry, img io.ReaderAt, table *TableReader,
	start ClusterID, size int64,
) ([]ClusterID, []byte, Confidence, error) {
	clusterBytes := int64(geo.BytesPerCluster())
	count := (size + clusterBytes - 1) / clusterBytes

	if start < 2 {
		return nil, nil, ConfidenceClean, fatsalvage.ErrInvalidStartCluster.WithMessage(
			fmt.Sprintf("start cluster %d is reserved", start))
	}
	last := int64(start) + count - 1
	if last > int64(geo.MaxCluster()) {
		return nil, nil, ConfidenceClean, fatsalvage.ErrInvalidStartCluster.WithMessage(
			fmt.Sprintf("run [%d, %d] extends past last cluster %d",
				start, last, geo.MaxCluster()))
	}

	clusters := make([]ClusterID, 0, count)
	data := make([]byte, 0, size)
	confidence := ConfidenceClean
	remaining := size

	for i := int64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, ConfidenceClean, fatsalvage.ErrCancelled.Wrap(err)
		}

		cluster := start + ClusterID(i)

		// The FAT is evidence, not a gate. A readable cluster is returned
		// even when the table says something newer owns it.
		value, err := table.ReadEntry(cluster)
		if err != nil || !value.IsFree() {
			confidence = ConfidenceOverwritten
		}

		n := clusterBytes
		if remaining < n {
			n = remaining
		}
		chunk := make([]byte, n)
		if _, err := img.ReadAt(chunk, geo.ClusterOffset(cluster)); err != nil {
			return nil, nil, ConfidenceClean, fatsalvage.ErrOutOfRange.Wrap(err)
		}

		clusters = append(clusters, cluster)
		data = append(data, chunk...)
		remaining -= n
	}

	return clusters, data, confidence, nil
}

// treeFrame is one deleted directory awaiting a scan on the recovery
// work-stack.
type treeFrame struct {
	cluster ClusterID
	path    string
	depth   int
}

// RecoverDeletedTree recovers a deleted directory entry: its first cluster is
// re-parsed as directory records and every nested entry is recovered, with
// deleted subdirectories queued on an explicit work-stack rather than
// recursed, so the depth bound is enforceable and adversarial nesting cannot
// exhaust the goroutine stack.
//
// Once an ancestor has been deleted the whole subtree's FAT state is
// untrustworthy, so every nested file is reconstructed with the same
// contiguous-run heuristic whether or not its own record carries the deletion
// marker. A branch that exceeds the depth limit fails with
// ErrRecursionLimitExceeded; sibling branches still complete.
func RecoverDeletedTree(
	ctx context.Context, geo Geometry, img io.ReaderAt, table *TableReader,
	entry Dirent, opts RecoverOptions,
) ([]RecoveredFile, []Failure, error) {
	if !entry.IsDir() {
		file, err := RecoverDeleted(ctx, geo, img, table, entry)
		if err != nil {
			return nil, nil, err
		}
		return []RecoveredFile{*file}, nil, nil
	}

	start := entry.StartCluster(geo.Variant)
	if !geo.ValidCluster(start) {
		return nil, nil, fatsalvage.ErrInvalidStartCluster.WithMessage(
			fmt.Sprintf("deleted directory %q starts at cluster %d",
				entry.DisplayName(), start))
	}

	limit := opts.depthLimit()
	var files []RecoveredFile
	var failures []Failure

	stack := []treeFrame{{cluster: start, path: entry.DisplayName(), depth: 0}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, fatsalvage.ErrCancelled.Wrap(err)
		}

		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if frame.depth >= limit {
			failures = append(failures, Failure{
				Path: frame.path,
				Err: fatsalvage.ErrRecursionLimitExceeded.WithMessage(
					fmt.Sprintf("depth %d", frame.depth)),
			})
			continue
		}

		children, err := ReadDirectoryCluster(geo, img, frame.cluster)
		if err != nil {
			failures = append(failures, Failure{Path: frame.path, Err: err})
			continue
		}

		for i := range children {
			child := &children[i]
			if child.IsVolumeLabel() || child.IsDotEntry() {
				continue
			}
			childPath := path.Join(frame.path, child.DisplayName())

			if child.IsDir() {
				childStart := child.StartCluster(geo.Variant)
				if !geo.ValidCluster(childStart) {
					failures = append(failures, Failure{
						Path: childPath,
						Err: fatsalvage.ErrInvalidStartCluster.WithMessage(
							fmt.Sprintf("cluster %d", childStart)),
					})
					continue
				}
				stack = append(stack, treeFrame{
					cluster: childStart,
					path:    childPath,
					depth:   frame.depth + 1,
				})
				continue
			}

			file, err := RecoverDeleted(ctx, geo, img, table, *child)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, fatsalvage.ErrCancelled.Wrap(ctx.Err())
				}
				failures = append(failures, Failure{Path: childPath, Err: err})
				continue
			}
			file.Path = childPath
			files = append(files, *file)
		}
	}

	return files, failures, nil
}

// ExtractActive reads a live (non-deleted) file by tracing its FAT chain and
// trims the content to the declared size. Useful for comparing a recovery
// sweep against what the filesystem still references.
func ExtractActive(
	ctx context.Context, geo Geometry, img io.ReaderAt, table *TableReader,
	entry Dirent,
) (*RecoveredFile, error) {
	if entry.IsDir() {
		return nil, fatsalvage.ErrNotARegularFile.WithMessage(
			fmt.Sprintf("%q is a directory", entry.DisplayName()))
	}

	result := &RecoveredFile{
		Name:         entry.DisplayName(),
		Path:         entry.DisplayName(),
		Deleted:      entry.IsDeleted(),
		DeclaredSize: entry.FileSize,
		StartCluster: entry.StartCluster(geo.Variant),
		Data:         []byte{},
		Confidence:   ConfidenceClean,
	}

	if entry.FileSize == 0 {
		return result, nil
	}

	chain, err := TraceChain(ctx, geo, table, result.StartCluster)
	if err != nil {
		return nil, err
	}

	data, err := chain.ReadAll(img)
	if err != nil {
		return nil, err
	}
	if int64(entry.FileSize) < int64(len(data)) {
		data = data[:entry.FileSize]
	}

	result.Clusters = chain.Clusters
	result.Data = data
	return result, nil
}

// SweepOptions tunes a whole-volume recovery sweep.
type SweepOptions struct {
	RecoverOptions

	// IncludeActive also extracts files the filesystem still references,
	// via their traced chains.
	IncludeActive bool
}

// SweepSummary aggregates a recovery sweep. Every candidate entry lands in
// either Files or Failures; a sweep never aborts on the first error.
type SweepSummary struct {
	Files    []RecoveredFile
	Failures []Failure
}

// RecoveredCount returns how many entries were recovered.
func (s SweepSummary) RecoveredCount() int { return len(s.Files) }

// FailedCount returns how many entries could not be recovered.
func (s SweepSummary) FailedCount() int { return len(s.Failures) }

// Err joins every per-entry failure into one error, or returns nil when the
// sweep was fully clean.
func (s SweepSummary) Err() error {
	var merged *multierror.Error
	for _, f := range s.Failures {
		merged = multierror.Append(merged, fmt.Errorf("%s: %w", f.Path, f.Err))
	}
	return merged.ErrorOrNil()
}

// sweepFrame is one live directory awaiting a scan.
type sweepFrame struct {
	entries []Dirent
	path    string
	depth   int
}

// Sweep walks the volume from the root directory, recovering every deleted
// entry it finds: deleted files through the contiguous-run engine, deleted
// directories through RecoverDeletedTree, and live subdirectories by tracing
// their chains and descending. Per-entry failures are collected, never
// propagated; only cancellation and a failure to read the root abort the
// sweep.
func Sweep(
	ctx context.Context, geo Geometry, img io.ReaderAt, table *TableReader,
	opts SweepOptions,
) (SweepSummary, error) {
	root, err := ReadRootDirectory(ctx, geo, img, table)
	if err != nil {
		return SweepSummary{}, err
	}

	var summary SweepSummary
	limit := opts.depthLimit()

	stack := []sweepFrame{{entries: root, path: "", depth: 0}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return SweepSummary{}, fatsalvage.ErrCancelled.Wrap(err)
		}

		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for i := range frame.entries {
			entry := &frame.entries[i]
			if entry.IsVolumeLabel() || entry.IsDotEntry() {
				continue
			}
			entryPath := path.Join(frame.path, entry.DisplayName())

			switch {
			case entry.IsDeleted() && entry.IsDir():
				files, failures, err := RecoverDeletedTree(
					ctx, geo, img, table, *entry,
					RecoverOptions{DepthLimit: limit - frame.depth})
				if err != nil {
					if ctx.Err() != nil {
						return SweepSummary{}, fatsalvage.ErrCancelled.Wrap(ctx.Err())
					}
					summary.Failures = append(summary.Failures,
						Failure{Path: entryPath, Err: err})
					continue
				}
				for _, f := range files {
					f.Path = path.Join(frame.path, f.Path)
					summary.Files = append(summary.Files, f)
				}
				for _, f := range failures {
					f.Path = path.Join(frame.path, f.Path)
					summary.Failures = append(summary.Failures, f)
				}

			case entry.IsDeleted():
				file, err := RecoverDeleted(ctx, geo, img, table, *entry)
				if err != nil {
					if ctx.Err() != nil {
						return SweepSummary{}, fatsalvage.ErrCancelled.Wrap(ctx.Err())
					}
					summary.Failures = append(summary.Failures,
						Failure{Path: entryPath, Err: err})
					continue
				}
				file.Path = entryPath
				summary.Files = append(summary.Files, *file)

			case entry.IsDir():
				if frame.depth+1 >= limit {
					summary.Failures = append(summary.Failures, Failure{
						Path: entryPath,
						Err: fatsalvage.ErrRecursionLimitExceeded.WithMessage(
							fmt.Sprintf("depth %d", frame.depth+1)),
					})
					continue
				}
				children, err := ReadDirectory(
					ctx, geo, img, table, entry.StartCluster(geo.Variant))
				if err != nil {
					summary.Failures = append(summary.Failures,
						Failure{Path: entryPath, Err: err})
					continue
				}
				stack = append(stack, sweepFrame{
					entries: children,
					path:    entryPath,
					depth:   frame.depth + 1,
				})

			case opts.IncludeActive:
				file, err := ExtractActive(ctx, geo, img, table, *entry)
				if err != nil {
					summary.Failures = append(summary.Failures,
						Failure{Path: entryPath, Err: err})
					continue
				}
				file.Path = entryPath
				summary.Files = append(summary.Files, *file)
			}
		}
	}

	return summary, nil
}
