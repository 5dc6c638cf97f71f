package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	norftl "github.com/dsoprea/go-nor-ftl"
)

// rootParameters describes the shared flags every subcommand needs to open
// the same image file with the same geometry, mirroring
// cmd/exfat_print_boot_sector_header/main.go's rootParameters shape.
type rootParameters struct {
	Filepath      string `short:"f" long:"filepath" description:"File-path of the NOR-FTL image" required:"true"`
	NumSectors    uint32 `long:"num-sectors" description:"Number of physical sectors in the image" required:"true"`
	SectorSize    uint32 `long:"sector-size" description:"Physical sector size in bytes" default:"65536"`
	LogSectorSize uint32 `long:"log-sector-size" description:"Logical sector size in bytes" default:"512"`
	EnableCRC     bool   `long:"enable-crc" description:"Enable CRC framing"`
	EnableECC     bool   `long:"enable-ecc" description:"Enable ECC framing"`

	Format struct{} `command:"format" description:"Low-level format the image"`
	Stats  struct{} `command:"stats" description:"Print instance-wide counters"`
	Read   struct {
		Index uint32 `long:"index" description:"Logical sector index to read" required:"true"`
	} `command:"read" description:"Read and hex-dump one logical sector"`
	Write struct {
		Index uint32 `long:"index" description:"Logical sector index to write" required:"true"`
		Value string `long:"value" description:"Byte value to fill the sector with, as a single hex byte" default:"aa"`
	} `command:"write" description:"Fill one logical sector with a repeated byte"`
	Clean struct{} `command:"clean" description:"Erase every pending-erase physical sector and convert idle work blocks that have a data block"`
	Free  struct{} `command:"free" description:"Print the free physical-sector count"`
}

var rootArguments = new(rootParameters)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := wrapMainPanic(state)
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	inst := openInstance()

	switch p.Active.Name {
	case "format":
		log.PanicIf(inst.Format())
	case "stats":
		runStats(inst)
	case "read":
		runRead(inst)
	case "write":
		runWrite(inst)
	case "clean":
		runClean(inst)
	case "free":
		runFree(inst)
	}
}

func wrapMainPanic(state interface{}) error {
	if asErr, ok := state.(error); ok {
		return log.Wrap(asErr)
	}
	return log.Errorf("panic: %v", state)
}

// openInstance constructs an Instance over a FilePhy bound to Filepath. It
// does not mount it; each subcommand calls Mount (or Format) itself.
func openInstance() *norftl.Instance {
	phy, err := norftl.NewFilePhy(rootArguments.Filepath, rootArguments.NumSectors, rootArguments.SectorSize, 0)
	log.PanicIf(err)

	cfg := &norftl.Config{
		Phy:           phy,
		SectorSize:    rootArguments.SectorSize,
		LogSectorSize: rootArguments.LogSectorSize,
		EnableCRC:     rootArguments.EnableCRC,
		EnableECC:     rootArguments.EnableECC,
	}

	inst, err := norftl.New(cfg)
	log.PanicIf(err)

	return inst
}

func runStats(inst *norftl.Instance) {
	log.PanicIf(inst.Mount())

	stats := inst.Stats()
	fmt.Println("free:   ", humanize.Comma(int64(stats.NumFree)))
	fmt.Println("data:   ", humanize.Comma(int64(stats.NumData)))
	fmt.Println("work:   ", humanize.Comma(int64(stats.NumWork)))
	fmt.Println("invalid:", humanize.Comma(int64(stats.NumInvalid)))
	fmt.Println("erase cnt min/max:", stats.EraseCntMin, stats.EraseCntMax)
}

func runRead(inst *norftl.Instance) {
	log.PanicIf(inst.Mount())

	buf := make([]byte, rootArguments.LogSectorSize)
	log.PanicIf(inst.ReadSector(norftl.LogSectorIndex(rootArguments.Read.Index), buf))

	os.Stdout.WriteString(humanize.Bytes(uint64(len(buf))) + " read:\n")
	os.Stdout.Write(buf)
}

func runWrite(inst *norftl.Instance) {
	log.PanicIf(inst.Mount())

	var fill byte = 0xaa
	if len(rootArguments.Write.Value) == 2 {
		var v int
		for _, c := range rootArguments.Write.Value {
			v <<= 4
			switch {
			case c >= '0' && c <= '9':
				v |= int(c - '0')
			case c >= 'a' && c <= 'f':
				v |= int(c-'a') + 10
			}
		}
		fill = byte(v)
	}

	buf := make([]byte, rootArguments.LogSectorSize)
	for i := range buf {
		buf[i] = fill
	}

	log.PanicIf(inst.WriteSector(norftl.LogSectorIndex(rootArguments.Write.Index), buf))
}

func runClean(inst *norftl.Instance) {
	log.PanicIf(inst.Mount())

	count, err := inst.Clean()
	log.PanicIf(err)

	fmt.Println("reclaimed:", count)
}

func runFree(inst *norftl.Instance) {
	log.PanicIf(inst.Mount())
	fmt.Println("free sectors:", humanize.Comma(int64(inst.FreeSectors())))
}
