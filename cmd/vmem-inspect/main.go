package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/cfg"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/logger"
	"github.com/e2b-dev/infra/packages/virtualmem/pkg/virtualmem"
)

type fileStore struct {
	*os.File

	size int64
}

func (f *fileStore) Size() int64 {
	return f.size
}

func rss(p *process.Process) string {
	info, err := p.MemoryInfo()
	if err != nil {
		return fmt.Sprintf("unknown (%s)", err)
	}

	return humanize.IBytes(info.RSS)
}

func main() {
	path := flag.String("file", "", "file to map")
	backend := flag.String("backend", "auto", "'auto', 'trap', 'userfaultfd' or 'file'")
	start := flag.Int64("start", 0, "start block")
	end := flag.Int64("end", 0, "end block (exclusive), 0 reads to the end")
	pageSize := flag.String("page-size", "64KiB", "page size hint")
	cacheSize := flag.String("cache", "1MiB", "cache size")
	debug := flag.Bool("debug", false, "debug logging")

	flag.Parse()

	if *path == "" {
		log.Fatalf("-file is required")
	}

	kind, err := virtualmem.ParseKind(*backend)
	if err != nil {
		log.Fatalf("invalid backend: %s", err)
	}

	blockSize, err := humanize.ParseBytes(*pageSize)
	if err != nil {
		log.Fatalf("invalid page size: %s", err)
	}

	cache, err := humanize.ParseBytes(*cacheSize)
	if err != nil {
		log.Fatalf("invalid cache size: %s", err)
	}

	ctx := context.Background()

	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %s", err)
	}

	l, err := logger.NewLogger(ctx, logger.LoggerConfig{
		ServiceName:   "vmem-inspect",
		IsDevelopment: true,
		IsDebug:       *debug || config.Debug,
		OutputPaths:   []string{"stderr"},
	})
	if err != nil {
		log.Fatalf("failed to create logger: %s", err)
	}
	defer l.Sync()

	m, err := virtualmem.NewManager(ctx, config, l)
	if err != nil {
		log.Fatalf("failed to start manager: %s", err)
	}
	defer m.Close()

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("failed to open file: %s", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		log.Fatalf("failed to stat file: %s", err)
	}

	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Fatalf("failed to inspect own process: %s", err)
	}

	rssBefore := rss(self)

	var region *virtualmem.Region

	switch kind {
	case virtualmem.FileMapped:
		region, err = m.FileMap(ctx, f, virtualmem.FileMapOptions{Length: fi.Size(), AccessMode: virtualmem.ReadOnly})
	default:
		region, err = m.NewStoreRegion(ctx, &fileStore{File: f, size: fi.Size()}, virtualmem.StoreOptions{
			Kind:             kind,
			CacheSize:        int64(cache),
			PageSizeHint:     int64(blockSize),
			SingleThreadHint: true,
		})
	}
	if err != nil {
		log.Fatalf("failed to create region: %s", err)
	}
	defer region.Close()

	size := region.Size()
	ps := region.PageSize()
	blocks := (size + ps - 1) / ps

	if *end == 0 {
		*end = blocks
	}

	if *start > blocks {
		log.Fatalf("start block %d is out of bounds (maximum is %d)", *start, blocks)
	}

	if *end > blocks {
		log.Fatalf("end block %d is out of bounds (maximum is %d)", *end, blocks)
	}

	if *start > *end {
		log.Fatalf("start block %d is greater than end block %d", *start, *end)
	}

	fmt.Printf("\nMETADATA\n")
	fmt.Printf("========\n")
	fmt.Printf("File               %s\n", *path)
	fmt.Printf("Region             %s\n", region.ID())
	fmt.Printf("Backend            %s\n", region.Kind())
	fmt.Printf("Size               %d B (%s)\n", size, humanize.IBytes(uint64(size)))
	fmt.Printf("Page size          %d B (%s)\n", ps, humanize.IBytes(uint64(ps)))
	fmt.Printf("Cache pages        %d\n", region.CachePages())
	fmt.Printf("Base address       %#x\n", region.Addr())

	b := make([]byte, ps)

	fmt.Printf("\nDATA\n")
	fmt.Printf("====\n")

	emptyCount := 0
	nonEmptyCount := 0

	for i := *start * ps; i < *end*ps; i += ps {
		n, err := region.ReadAt(b, i)
		if err != nil && n == 0 {
			log.Fatalf("failed to read block: %s", err)
		}

		nonZeroCount := int64(n - bytes.Count(b[:n], []byte("\x00")))

		if nonZeroCount > 0 {
			nonEmptyCount++
			fmt.Printf("%-10d [%11d,%11d) %d non-zero bytes\n", i/ps, i, i+int64(n), nonZeroCount)
		} else {
			emptyCount++
			fmt.Printf("%-10d [%11d,%11d) EMPTY\n", i/ps, i, i+int64(n))
		}
	}

	stats := region.Stats()

	fmt.Printf("\nSUMMARY\n")
	fmt.Printf("=======\n")
	fmt.Printf("Empty inspected blocks: %d\n", emptyCount)
	fmt.Printf("Non-empty inspected blocks: %d\n", nonEmptyCount)
	fmt.Printf("Total inspected blocks: %d\n", emptyCount+nonEmptyCount)
	fmt.Printf("Resident pages: %d\n", stats.Resident)
	fmt.Printf("Faults: %d, fills: %d, evictions: %d, bulk evictions: %d\n", stats.Faults, stats.Fills, stats.Evictions, stats.BulkEvictions)
	fmt.Printf("RSS before: %s, after: %s\n", rssBefore, rss(self))
}
