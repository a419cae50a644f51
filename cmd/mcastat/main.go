// mcastat prints the state of an attached memory card adapter, for humans
// or for scraping by a metrics agent.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/psxtools/go-memcard/pkg/mca"
	"github.com/psxtools/go-memcard/pkg/usb"
)

var (
	outputFmt = flag.String("output", "table", "Output format; one of [table, openmetrics]")
	noHeader  = flag.Bool("no-header", false, "Suppress the header in table format output")
)

// AdapterState is a snapshot of one adapter and its inserted card.
type AdapterState struct {
	Present       bool
	CardType      mca.CardType
	Size          int64
	BlockSize     int
	Authenticated bool
}

func main() {
	flag.Parse()

	var state AdapterState
	t, err := usb.Open()
	if errors.Is(err, usb.ErrDeviceNotFound) {
		// No adapter is a reportable state, not a failure.
	} else if err != nil {
		log.Fatalf("Failed to open adapter: %v", err)
	} else {
		defer t.Close()
		state.Present = true
		dev := mca.NewDevice(t, nil)
		state.CardType, err = dev.CardType()
		if err != nil {
			log.Fatalf("Failed to probe card type: %v", err)
		}
		if geo, ok := mca.GeometryOf(state.CardType); ok {
			state.Size = geo.TotalSize
			state.BlockSize = geo.BlockSize
		}
		if state.CardType == mca.CardPS2 {
			state.Authenticated, err = dev.IsAuthenticated()
			if err != nil {
				log.Fatalf("Failed to query authentication state: %v", err)
			}
		}
	}

	switch *outputFmt {
	case "table":
		outputTable(state)
	case "openmetrics":
		outputMetrics(state)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q\n", *outputFmt)
		os.Exit(1)
	}
}

func outputTable(state AdapterState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if !*noHeader {
		fmt.Fprintln(w, "ADAPTER\tCARD\tSIZE\tBLOCK\tAUTH")
	}
	if !state.Present {
		fmt.Fprintln(w, "absent\t-\t-\t-\t-")
	} else {
		auth := "-"
		if state.CardType == mca.CardPS2 {
			auth = fmt.Sprintf("%v", state.Authenticated)
		}
		fmt.Fprintf(w, "present\t%s\t%d\t%d\t%s\n",
			state.CardType, state.Size, state.BlockSize, auth)
	}
	w.Flush()
}
