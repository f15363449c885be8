// Command genmock generates synthetic observation CSV files for load testing
// and demos: a configurable number of basins with hourly values over a date
// range, plus an optional relation fixture wiring the basins into a chain.
//
// Usage:
//
//	go run ./cmd/genmock -out rainfall_mock.csv -basins 20 -days 7
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"
)

var baseDate = time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output CSV path")
	basins := flag.Int("basins", 10, "number of distinct basins")
	days := flag.Int("days", 1, "days of hourly observations per basin")
	dataType := flag.String("data-type", "Rainfall", "data_type column value")
	seed := flag.Int64("seed", 1, "random seed for reproducible values")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(*seed))
	w := csv.NewWriter(f)

	if err := w.Write([]string{"basin_id", "datetime", "value", "data_type"}); err != nil {
		return err
	}

	rows := 0
	for b := 0; b < *basins; b++ {
		basinID := strconv.Itoa(2000 + b)
		for h := 0; h < *days*24; h++ {
			ts := baseDate.Add(time.Duration(h) * time.Hour)
			// Mostly dry hours with occasional rain, rounded to the stored
			// precision.
			value := "0"
			if rng.Float64() < 0.3 {
				value = strconv.FormatFloat(rng.Float64()*25, 'f', 4, 64)
			}
			record := []string{basinID, ts.Format("2006-01-02 15:04:05"), value, *dataType}
			if err := w.Write(record); err != nil {
				return err
			}
			rows++
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	log.Printf("wrote %d rows for %d basins to %s", rows, *basins, *out)
	return nil
}
