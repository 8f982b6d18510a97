package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dicomcam/internal/models"
	"dicomcam/pkg/config"
	"dicomcam/pkg/pipeline"
	"dicomcam/pkg/visualization"
)

var (
	// analyze / batch flags
	prefix        string
	skipInference bool
	allViews      bool
	jsonOutput    bool
	workers       int
	heatmapDir    string

	// slice flags
	orientation  string
	sliceIndex   int
	windowCenter float64
	windowWidth  float64
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <series-dir>",
	Short: "Reconstruct, render, classify and explain one series",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()
		if allViews {
			env.cfg.Output.SaveAllViews = true
		}

		report, err := env.service.Analyze(cmd.Context(), pipeline.Request{
			InputDir:      args[0],
			HeatmapDir:    heatmapDir,
			Prefix:        prefix,
			SkipInference: skipInference,
		})
		if err != nil {
			return err
		}
		return printReport(report)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <series-dir>...",
	Short: "Analyze several series in parallel",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()
		if workers > 0 {
			env.cfg.Processing.NumWorkers = workers
		}
		if allViews {
			env.cfg.Output.SaveAllViews = true
		}

		reqs := make([]pipeline.Request, len(args))
		for i, dir := range args {
			reqs[i] = pipeline.Request{InputDir: dir, Prefix: prefix, SkipInference: skipInference}
		}

		results, err := env.service.RunBatch(cmd.Context(), reqs)
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Printf("%s: FAILED: %v\n", r.Request.InputDir, r.Err)
				continue
			}
			if err := printReport(r.Report); err != nil {
				return err
			}
		}
		fmt.Printf("\n%d of %d series analyzed\n", len(results)-failed, len(results))
		if failed > 0 {
			return fmt.Errorf("%d series failed", failed)
		}
		return nil
	},
}

var viewsCmd = &cobra.Command{
	Use:   "views <series-dir>",
	Short: "Save the middle plane of each orientation, or every plane with --all",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		env.cfg.Output.SaveMiddleViews = true
		env.cfg.Output.SaveAllViews = allViews
		env.cfg.Output.ExportVolume = false

		report, err := env.service.Analyze(cmd.Context(), pipeline.Request{
			InputDir:      args[0],
			Prefix:        prefix,
			SkipInference: true,
		})
		if err != nil {
			return err
		}
		for _, o := range visualization.Orientations {
			fmt.Printf("%-9s %s\n", o, report.Views[string(o)])
		}
		if report.SavedSlices != nil {
			s := report.SavedSlices
			fmt.Printf("Saved %d axial, %d coronal and %d sagittal slices\n", s.Axial, s.Coronal, s.Sagittal)
		}
		return nil
	},
}

var sliceCmd = &cobra.Command{
	Use:   "slice <series-dir>",
	Short: "Render one windowed plane as PNG",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := visualization.ParseOrientation(orientation)
		if err != nil {
			return err
		}
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		req := pipeline.SliceRequest{
			InputDir:    args[0],
			Orientation: o,
			Index:       sliceIndex,
			Prefix:      prefix,
		}
		if cmd.Flags().Changed("window-width") || cmd.Flags().Changed("window-center") {
			req.Window = &models.WindowParams{Center: windowCenter, Width: windowWidth}
		}

		path, err := env.service.RenderSlice(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <series-dir> <output.nrrd>",
	Short: "Convert a series to an NRRD volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup()
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.service.Export(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		if info, err := os.Stat(args[1]); err == nil {
			fmt.Printf("Volume saved to: %s (%s)\n", args[1], humanize.Bytes(uint64(info.Size())))
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to: %s\n", configPath)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, batchCmd, viewsCmd} {
		c.Flags().StringVar(&prefix, "prefix", "", "Prefix for image file names")
		c.Flags().BoolVar(&allViews, "all", false, "Save every plane of every orientation")
	}
	for _, c := range []*cobra.Command{analyzeCmd, batchCmd} {
		c.Flags().BoolVar(&skipInference, "skip-inference", false, "Only render views and export the volume")
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")
	}
	analyzeCmd.Flags().StringVar(&heatmapDir, "heatmap-dir", "", "Directory for the saliency map (default {output}/heatmaps/{id})")
	batchCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Series processed at once (overrides processing.numWorkers)")

	sliceCmd.Flags().StringVar(&orientation, "orientation", string(visualization.Axial), "axial, coronal or sagittal")
	sliceCmd.Flags().IntVar(&sliceIndex, "index", 0, "Plane index along the orientation axis")
	sliceCmd.Flags().Float64Var(&windowCenter, "window-center", models.DefaultWindow.Center, "Window center in HU")
	sliceCmd.Flags().Float64Var(&windowWidth, "window-width", models.DefaultWindow.Width, "Window width in HU")
	sliceCmd.Flags().StringVar(&prefix, "prefix", "", "Prefix for the image file name")

	configCmd.AddCommand(configInitCmd)
}

// printReport writes the report as JSON or as a short summary.
func printReport(r *pipeline.Report) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Println("================================")
	fmt.Printf("Series:   %s (%s)\n", r.Series.Name, r.InputDir)
	fmt.Printf("Patient:  %s, %s, %s\n", r.Series.PatientID, r.Series.PatientAge, r.Series.PatientSex)
	fmt.Printf("Volume:   %dx%dx%d slices x rows x cols, ordered by %s\n", r.Shape[0], r.Shape[1], r.Shape[2], r.Ordering)
	fmt.Printf("Spacing:  %.3f x %.3f x %.3f mm\n", r.Spacing.X, r.Spacing.Y, r.Spacing.Z)
	for _, o := range visualization.Orientations {
		if p, ok := r.Views[string(o)]; ok {
			fmt.Printf("View:     %s\n", p)
		}
	}
	if r.VolumePath != "" {
		fmt.Printf("Volume:   %s\n", r.VolumePath)
	}
	if r.Result != nil {
		fmt.Printf("Class:    %d (p=%.2f, positive %.2f%%, negative %.2f%%)\n",
			r.Result.ClassIndex, r.Result.Probability, 100*r.Result.Positive(), 100*r.Result.Negative())
	}
	if r.HeatmapPath != "" {
		fmt.Printf("Heatmap:  %s\n", r.HeatmapPath)
	}
	for _, w := range r.Warnings {
		fmt.Printf("Warning:  %s\n", w)
	}
	fmt.Printf("Elapsed:  %s\n", r.Elapsed)
	return nil
}

