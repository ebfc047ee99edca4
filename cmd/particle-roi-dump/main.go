package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"particle-roi-go/internal/cborarray"
	"particle-roi-go/internal/output"
	"particle-roi-go/internal/processing"
)

func main() {
	var (
		path  = flag.String("path", "", "Path to a raw log or container .bin file")
		limit = flag.Int("limit", 1, "Number of raw log records to dump (0 for all)")
		stats = flag.Bool("stats", false, "Print pixel statistics for every image or slice")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	rr, err := output.NewRecordReader(f)
	if err != nil {
		log.Fatalf("%s: %v", *path, err)
	}
	magic := rr.Magic()
	if magic == output.ContainerMagic {
		f.Close()
		if err := dumpContainer(*path, *stats); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}
	defer f.Close()
	dumpRawLog(rr, *limit, *stats)
}

func dumpRawLog(rr *output.RecordReader, limit int, stats bool) {
	count := 0
	for {
		if limit > 0 && count >= limit {
			return
		}
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("record %d: %v", count, err)
		}
		count++

		var decoded any
		if err := cbor.Unmarshal(rec.Payload, &decoded); err != nil {
			log.Printf("record %d: CBOR decode error: %v", count-1, err)
			continue
		}
		pretty, err := output.MarshalNormalized(decoded, "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count-1, err)
			continue
		}
		log.Printf("record %d timestamp=%s size=%d", count-1, rec.Time.Format(time.RFC3339Nano), len(rec.Payload))
		fmt.Println(string(pretty))
		if stats {
			printImageStats(decoded)
		}
	}
}

// printImageStats decodes every tag 40 array inside a message's data map.
func printImageStats(msg any) {
	m, ok := msg.(map[any]any)
	if !ok {
		return
	}
	data, ok := m["data"].(map[any]any)
	if !ok {
		return
	}
	for key, v := range data {
		p, err := cborarray.Decode(v)
		if err != nil {
			fmt.Printf("  %v: %v\n", key, err)
			continue
		}
		st := processing.ChannelStats(0, p)
		fmt.Printf("  %v: %dx%d min=%.0f max=%.0f mean=%.1f std=%.1f saturated=%d\n",
			key, p.Width, p.Height, st.Min, st.Max, st.Mean, st.Std, st.Saturated)
	}
}

func dumpContainer(path string, stats bool) error {
	file, err := output.ReadContainer(path)
	if err != nil && !errors.Is(err, output.ErrTruncated) {
		return err
	}
	if err != nil {
		log.Printf("%s is truncated; showing complete records only", path)
	}

	fmt.Printf("run %s created %s closed=%v\n", file.RunID, file.Created.Format(time.RFC3339), file.Closed)
	meta, err := output.MarshalNormalized(file.Meta, "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(meta))

	for _, ds := range file.Datasets {
		written := 0
		for _, ok := range ds.Written {
			if ok {
				written++
			}
		}
		fmt.Printf("%s shape=%v dtype=%s written=%d/%d attrs=%v\n", ds.Key, ds.Shape, ds.DType, written, len(ds.Written), ds.Attrs)
		if !stats {
			continue
		}
		for z, p := range ds.Slices {
			if !ds.Written[z] {
				continue
			}
			st := processing.ChannelStats(z, p)
			fmt.Printf("  z=%d min=%.0f max=%.0f mean=%.1f std=%.1f\n", z, st.Min, st.Max, st.Mean, st.Std)
		}
	}
	return nil
}
