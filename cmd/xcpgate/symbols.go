package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/symbols"
	"github.com/muurk/xcpgate/internal/ui"
)

var (
	exportDir  string
	saveTables bool
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Extract and inspect firmware symbol tables",
}

var symbolsExtractCmd = &cobra.Command{
	Use:   "extract <image.elf>...",
	Short: "Extract a symbol map from firmware images",
	Long: `Walk the DWARF debug info of each image and write every statically
addressed variable to <image>_<id>.csv (name,address,size,type).

Library and HAL variables matching the exclusion list are dropped. Use
--save to add the tables to the catalog that 'xcpgate serve' loads.`,
	Example: `  xcpgate symbols extract build/app.elf
  xcpgate symbols extract build/app.elf --out maps --save`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSymbolsExtract,
}

var symbolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tables in the symbol catalog",
	Args:  cobra.NoArgs,
	RunE:  runSymbolsList,
}

var symbolsShowCmd = &cobra.Command{
	Use:   "show <image>",
	Short: "Print the symbols of a catalog table",
	Args:  cobra.ExactArgs(1),
	RunE:  runSymbolsShow,
}

func init() {
	symbolsExtractCmd.Flags().StringVar(&exportDir, "out", ".", "Directory for CSV exports")
	symbolsExtractCmd.Flags().BoolVar(&saveTables, "save", false, "Save tables to the symbol catalog")
	symbolsExtractCmd.Flags().String("store", "", "Symbol catalog database")
	symbolsListCmd.Flags().String("store", "", "Symbol catalog database")
	symbolsShowCmd.Flags().String("store", "", "Symbol catalog database")

	symbolsCmd.AddCommand(symbolsExtractCmd)
	symbolsCmd.AddCommand(symbolsListCmd)
	symbolsCmd.AddCommand(symbolsShowCmd)
}

func runSymbolsExtract(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"store": "symbols.store"})
	if err != nil {
		return err
	}
	if err := initLogging(logLevel); err != nil {
		return err
	}

	x, err := newExtractor(cfg)
	if err != nil {
		return err
	}

	var catalog *symbols.Catalog
	if saveTables {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		catalog = symbols.NewCatalog(store)
	}

	p := ui.NewPrinter(os.Stdout)
	for _, path := range args {
		t, err := x.ExtractFile(path)
		if err != nil {
			p.PrintError("Extract "+path, err, []string{
				"Build the firmware with debug info (-g)",
				"Pass the ELF, not a stripped .bin or .hex",
			})
			return err
		}
		out, err := symbols.ExportCSV(exportDir, t)
		if err != nil {
			return err
		}
		details := []ui.Param{
			{Key: "Image", Value: t.Image},
			{Key: "Image ID", Value: t.ImageID},
			{Key: "Symbols", Value: strconv.Itoa(t.Len())},
			{Key: "CSV", Value: out},
		}
		if catalog != nil {
			if err := catalog.Add(t); err != nil {
				return fmt.Errorf("failed to save %s: %w", t.Image, err)
			}
			details = append(details, ui.Param{Key: "Catalog", Value: "saved"})
		}
		p.PrintSuccess("Symbols extracted", details...)
	}
	return nil
}

func runSymbolsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"store": "symbols.store"})
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog := symbols.NewCatalog(store)
	if _, err := catalog.Preload(); err != nil {
		return err
	}
	if catalog.Len() == 0 {
		fmt.Println("The symbol catalog is empty. Add tables with: xcpgate symbols extract --save <image.elf>")
		return nil
	}

	rows := make([][]string, 0, catalog.Len())
	for _, t := range catalog.List() {
		rows = append(rows, []string{t.Image, t.ImageID, strconv.Itoa(t.Len()), t.ExtractedAt.Local().Format(time.DateTime)})
	}
	ui.NewPrinter(os.Stdout).PrintTable([]string{"IMAGE", "ID", "SYMBOLS", "EXTRACTED"}, rows)
	return nil
}

func runSymbolsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"store": "symbols.store"})
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog := symbols.NewCatalog(store)
	if _, err := catalog.Preload(); err != nil {
		return err
	}
	t, ok := catalog.Get(args[0])
	if !ok {
		return fmt.Errorf("unknown image %q", args[0])
	}
	return symbols.WriteCSV(os.Stdout, t)
}
