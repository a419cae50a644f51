package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"

	"github.com/psxtools/go-memcard/pkg/authenticator"
	"github.com/psxtools/go-memcard/pkg/mca"
	"github.com/psxtools/go-memcard/pkg/ps1"
	"github.com/psxtools/go-memcard/pkg/usb"
)

// context is the context struct required by kong command line parser
type context struct{}

// adapterFlags are shared by every sub-command that talks to the adapter.
type adapterFlags struct {
	AuthAddress       string `flag:"" optional:"" default:"127.0.0.1" help:"Address used to contact the authentication daemon."`
	AuthPort          int    `flag:"" optional:"" default:"20531" help:"Port used to contact the authentication daemon."`
	AuthCache         string `flag:"" optional:"" default:"auth_cache.bin" help:"File containing authentication data from previous sessions."`
	AuthCacheReadOnly bool   `flag:"" optional:"" help:"Don't store authentication data generated during this run."`
	Replay            bool   `flag:"" optional:"" help:"Never contact the authentication daemon, replay cached answers only."`
	AuthRetryLimit    int    `flag:"" optional:"" default:"16" help:"Handshake restarts to tolerate before giving up. Negative retries forever."`
}

func (f *adapterFlags) open() (*mca.Device, func(), error) {
	cache, err := authenticator.OpenFileCache(f.AuthCache, f.AuthCacheReadOnly)
	if err != nil {
		return nil, nil, fmt.Errorf("opening authentication cache %s: %w", f.AuthCache, err)
	}
	var auth mca.Authenticator
	var remote *authenticator.Remote
	if f.Replay {
		auth = authenticator.NewReplay(cache)
	} else {
		remote = authenticator.NewRemote(fmt.Sprintf("%s:%d", f.AuthAddress, f.AuthPort),
			authenticator.WithCache(cache))
		auth = remote
	}
	t, err := usb.Open()
	if err != nil {
		cache.Close()
		return nil, nil, err
	}
	cleanup := func() {
		t.Close()
		if remote != nil {
			remote.Close()
		}
		cache.Close()
	}
	return mca.NewDevice(t, auth, mca.WithAuthRetryLimit(f.AuthRetryLimit)), cleanup, nil
}

type typeCmd struct {
	adapterFlags
}

type infoCmd struct {
	adapterFlags
}

type authCmd struct {
	adapterFlags
}

type readCmd struct {
	adapterFlags
	Offset int64  `flag:"" required:"" help:"Card offset to read from."`
	Length int    `flag:"" required:"" help:"Number of bytes to read."`
	Output string `flag:"" optional:"" short:"o" default:"-" help:"Output file. '-' writes raw bytes to stdout."`
}

type writeCmd struct {
	adapterFlags
	Offset int64  `flag:"" required:"" help:"Card offset to write to."`
	Input  string `flag:"" required:"" short:"i" help:"File holding the bytes to write."`
}

type dumpCmd struct {
	adapterFlags
	Output string `flag:"" required:"" short:"o" help:"File to write the card image to."`
}

type savesCmd struct {
	adapterFlags
}

var cli struct {
	Type  typeCmd  `cmd:"" help:"Print the type of the inserted card"`
	Info  infoCmd  `cmd:"" help:"Show adapter and card status"`
	Auth  authCmd  `cmd:"" help:"Authenticate against the inserted PS2 card"`
	Read  readCmd  `cmd:"" help:"Read a byte range from the card"`
	Write writeCmd `cmd:"" help:"Write a byte range to the card"`
	Dump  dumpCmd  `cmd:"" help:"Dump the whole card to a file"`
	Saves savesCmd `cmd:"" help:"List the saves of an inserted PS1 card"`
}

// cardInfo is what the info command dumps.
type cardInfo struct {
	CardType      string
	BlockSize     int
	Size          int64
	Authenticated bool
}

// Run executes when the type command is invoked
func (c *typeCmd) Run(ctx *context) error {
	dev, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()

	typ, err := dev.CardType()
	if err != nil {
		return err
	}
	fmt.Println(typ)
	return nil
}

// Run executes when the info command is invoked
func (c *infoCmd) Run(ctx *context) error {
	dev, cleanup, err := c.open()
	if err != nil {
		return err
	}
	defer cleanup()

	typ, err := dev.CardType()
	if err != nil {
		return err
	}
	info := cardInfo{CardType: typ.String()}
	if geo, ok := mca.GeometryOf(typ); ok {
		info.BlockSize = geo.BlockSize
		info.Size = geo.TotalSize
	}
	if typ == mca.CardPS2 {
		info.Authenticated, err = dev.IsAuthenticated()
		if err != nil {
			return err
		}
	}
	spew.Dump(info)
	return nil
}

// Run executes when the auth command is invoked
func (a *authCmd) Run(ctx *context) error {
	dev, cleanup, err := a.open()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := dev.Authenticate(); err != nil {
		return err
	}
	fmt.Println("Authenticated")
	return nil
}

func (r *readCmd) Run(ctx *context) error {
	dev, cleanup, err := r.open()
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := dev.Read(r.Offset, r.Length)
	if err != nil {
		return err
	}
	if r.Output == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(r.Output, data, 0o644)
}

func (w *writeCmd) Run(ctx *context) error {
	data, err := os.ReadFile(w.Input)
	if err != nil {
		return err
	}
	dev, cleanup, err := w.open()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := dev.Write(w.Offset, data); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes at offset %d\n", len(data), w.Offset)
	return nil
}

func (d *dumpCmd) Run(ctx *context) error {
	dev, cleanup, err := d.open()
	if err != nil {
		return err
	}
	defer cleanup()

	size, err := dev.Size()
	if err != nil {
		return err
	}
	blockSize, err := dev.BlockSize()
	if err != nil {
		return err
	}
	out, err := os.Create(d.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	// One block at a time so a flaky card fails fast with the offset.
	for offset := int64(0); offset < size; offset += int64(blockSize) {
		data, err := dev.Read(offset, blockSize)
		if err != nil {
			return fmt.Errorf("reading block at %#x: %w", offset, err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	fmt.Printf("Dumped %d bytes to %s\n", size, d.Output)
	return nil
}

func (s *savesCmd) Run(ctx *context) error {
	dev, cleanup, err := s.open()
	if err != nil {
		return err
	}
	defer cleanup()

	typ, err := dev.CardType()
	if err != nil {
		return err
	}
	if typ != mca.CardPS1 {
		return fmt.Errorf("saves requires a PS1 card, found %s", typ)
	}
	card, err := ps1.Open(dev)
	if err != nil {
		return err
	}
	saves, err := card.Saves()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCK\tSIZE\tREGION\tPRODUCT\tIDENTIFIER")
	for _, save := range saves {
		fmt.Fprintf(w, "%d\t%d\t%c\t%s\t%s\n",
			save.HeadBlock(), save.Size(), save.Region(),
			save.ProductCode(), save.Identifier())
	}
	return w.Flush()
}
