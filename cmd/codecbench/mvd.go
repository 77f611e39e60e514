package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gwlsn/codecbench/internal/mvd"
)

var mvdFlags struct {
	contentDir string
	dir        string
	slurm      bool
}

var mvdCmd = &cobra.Command{
	Use:   "mvd",
	Short: "MPEG immersive video experiments",
}

var mvdConfigureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write build.ninja for the experiment matrix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e := experiment()
		if cmd.Flags().Changed("slurm") {
			e.Slurm = mvdFlags.slurm
		}
		if err := e.Configure(); err != nil {
			return err
		}
		fmt.Printf("build.ninja written with %d jobs\n", e.JobCount())
		return nil
	},
}

var mvdCollectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Write the objective results tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		written, err := experiment().Collect()
		for _, path := range written {
			fmt.Println(path)
		}
		return err
	},
}

func init() {
	mvdCmd.PersistentFlags().StringVar(&mvdFlags.contentDir, "content-dir", "", "override the source content directory")
	mvdCmd.PersistentFlags().StringVar(&mvdFlags.dir, "dir", ".", "directory of build.ninja and the out/ tree")
	mvdConfigureCmd.Flags().BoolVar(&mvdFlags.slurm, "slurm", false, "submit every job with sbatch")

	mvdCmd.AddCommand(mvdConfigureCmd)
	mvdCmd.AddCommand(mvdCollectCmd)
}

func experiment() *mvd.Experiment {
	contentDir := cfg.MVD.ContentDir
	if mvdFlags.contentDir != "" {
		contentDir = mvdFlags.contentDir
	}
	return &mvd.Experiment{
		Matrix:      mvd.NewMatrix(cfg.MVD),
		ContentDir:  contentDir,
		Python:      cfg.Python,
		ThreadCount: cfg.MVD.ThreadCount,
		Slurm:       cfg.MVD.Slurm,
		Dir:         mvdFlags.dir,
	}
}
