// Command fatsalvage inspects FAT16/FAT32 disk images and recovers deleted
// files from them. The image is never written to.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"fatsalvage"
	"fatsalvage/fat"
	"fatsalvage/mbr"
)

var log = logrus.New()

func main() {
	app := cli.App{
		Name:  "fatsalvage",
		Usage: "Recover deleted files from FAT16/FAT32 disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path to the raw disk image",
				Required: true,
			},
			&cli.Int64Flag{
				Name:  "offset",
				Usage: "byte offset of the volume inside the image (default: locate via the partition table, falling back to 0)",
				Value: -1,
			},
			&cli.IntFlag{
				Name:  "partition",
				Usage: "partition table index to use instead of the first FAT partition",
				Value: -1,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "Print the resolved volume geometry",
				Action: printInfo,
			},
			{
				Name:   "ls",
				Usage:  "List the root directory, including deleted entries",
				Action: listRoot,
			},
			{
				Name:   "recover",
				Usage:  "Sweep the volume and write out every recoverable deleted file",
				Action: recoverFiles,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "directory to write recovered files into",
						Value:   "recovered",
					},
					&cli.StringFlag{
						Name:  "report",
						Usage: "write a per-entry CSV report to this path",
					},
					&cli.IntFlag{
						Name:  "depth",
						Usage: "directory recursion limit",
						Value: fat.DefaultDepthLimit,
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "also extract files the filesystem still references",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// volume bundles everything a subcommand needs to read one FAT volume.
type volume struct {
	geo   fat.Geometry
	img   *os.File
	table *fat.TableReader
}

func (v *volume) Close() error {
	return v.img.Close()
}

func openVolume(c *cli.Context) (*volume, error) {
	img, err := os.Open(c.String("image"))
	if err != nil {
		return nil, err
	}

	offset, err := locateVolume(c, img)
	if err != nil {
		img.Close()
		return nil, err
	}

	geo, err := fat.ResolveGeometry(img, offset)
	if err != nil {
		img.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"variant":  geo.Variant,
		"offset":   offset,
		"clusters": geo.TotalClusters,
	}).Debug("resolved volume geometry")

	table, err := fat.NewTableReader(geo, img, 0)
	if err != nil {
		img.Close()
		return nil, err
	}
	return &volume{geo: geo, img: img, table: table}, nil
}

// locateVolume finds the byte offset of the FAT volume: an explicit --offset
// wins, then the partition table, then offset 0 for partitionless images.
func locateVolume(c *cli.Context, img *os.File) (int64, error) {
	if offset := c.Int64("offset"); offset >= 0 {
		return offset, nil
	}

	table, err := mbr.Parse(img)
	if err != nil {
		log.WithError(err).Debug("no usable partition table, assuming a bare volume")
		return 0, nil
	}

	if index := c.Int("partition"); index >= 0 {
		if index > 3 {
			return 0, fmt.Errorf("partition index %d out of range [0, 3]", index)
		}
		p := table.Partitions[index]
		if p.IsEmpty() {
			return 0, fmt.Errorf("partition %d is empty", index)
		}
		return p.ByteOffset(mbr.DefaultSectorSize), nil
	}

	p, ok := table.FirstFAT()
	if !ok {
		log.Debug("partition table holds no FAT partition, assuming a bare volume")
		return 0, nil
	}
	log.WithField("partition", p.String()).Debug("using first FAT partition")
	return p.ByteOffset(mbr.DefaultSectorSize), nil
}

func printInfo(c *cli.Context) error {
	vol, err := openVolume(c)
	if err != nil {
		return err
	}
	defer vol.Close()

	geo := vol.geo
	fmt.Printf("variant:             %s\n", geo.Variant)
	fmt.Printf("volume offset:       %d\n", geo.VolumeOffset)
	fmt.Printf("bytes per sector:    %d\n", geo.BytesPerSector)
	fmt.Printf("sectors per cluster: %d\n", geo.SectorsPerCluster)
	fmt.Printf("reserved sectors:    %d\n", geo.ReservedSectors)
	fmt.Printf("FAT copies:          %d\n", geo.NumFATs)
	fmt.Printf("sectors per FAT:     %d\n", geo.SectorsPerFAT)
	fmt.Printf("total sectors:       %d\n", geo.TotalSectors)
	fmt.Printf("data clusters:       %d\n", geo.TotalClusters)
	if geo.Variant == fat.Variant32 {
		fmt.Printf("root start cluster:  %d\n", geo.RootStartCluster)
	} else {
		fmt.Printf("root entries:        %d\n", geo.RootEntryCount)
	}
	return nil
}

func listRoot(c *cli.Context) error {
	vol, err := openVolume(c)
	if err != nil {
		return err
	}
	defer vol.Close()

	ctx := c.Context
	entries, err := fat.ReadRootDirectory(ctx, vol.geo, vol.img, vol.table)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]
		if entry.IsVolumeLabel() || entry.IsDotEntry() {
			continue
		}

		marker := " "
		if entry.IsDeleted() {
			marker = "D"
		}
		kind := "file"
		if entry.IsDir() {
			kind = "dir"
		}
		fmt.Printf("%s %-4s %10d  cluster %-8d %s\n",
			marker, kind, entry.FileSize,
			entry.StartCluster(vol.geo.Variant), entry.DisplayName())
	}
	return nil
}

func recoverFiles(c *cli.Context) error {
	vol, err := openVolume(c)
	if err != nil {
		return err
	}
	defer vol.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	opts := fat.SweepOptions{
		RecoverOptions: fat.RecoverOptions{DepthLimit: c.Int("depth")},
		IncludeActive:  c.Bool("all"),
	}
	summary, err := fat.Sweep(ctx, vol.geo, vol.img, vol.table, opts)
	if err != nil {
		return err
	}

	outputDir := c.String("output")
	report := fatsalvage.SweepReport{}

	for _, file := range summary.Files {
		row := fatsalvage.SweepRow{
			Path:         file.Path,
			Status:       fatsalvage.StatusRecovered,
			DeclaredSize: file.DeclaredSize,
			StartCluster: uint32(file.StartCluster),
			ClusterCount: len(file.Clusters),
			Confidence:   file.Confidence.String(),
		}
		if err := writeRecovered(outputDir, file); err != nil {
			row.Status = fatsalvage.StatusFailed
			row.Detail = err.Error()
			log.WithError(err).WithField("path", file.Path).Error("write failed")
		} else {
			log.WithFields(logrus.Fields{
				"path":       file.Path,
				"bytes":      len(file.Data),
				"confidence": file.Confidence,
			}).Info("recovered")
		}
		report.Add(row)
	}

	for _, failure := range summary.Failures {
		log.WithError(failure.Err).WithField("path", failure.Path).Warn("not recovered")
		report.Add(fatsalvage.SweepRow{
			Path:   failure.Path,
			Status: fatsalvage.StatusFailed,
			Detail: failure.Err.Error(),
		})
	}

	if reportPath := c.String("report"); reportPath != "" {
		if err := writeReport(reportPath, &report); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"recovered": report.RecoveredCount(),
		"failed":    report.FailedCount(),
	}).Info("sweep complete")

	if report.RecoveredCount() == 0 && report.FailedCount() > 0 {
		return fmt.Errorf("nothing recovered: %w", summary.Err())
	}
	return nil
}

func writeRecovered(outputDir string, file fat.RecoveredFile) error {
	dest := filepath.Join(outputDir, filepath.FromSlash(file.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, file.Data, 0o644)
}

func writeReport(path string, report *fatsalvage.SweepReport) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gocsv.MarshalFile(&report.Rows, f)
}
