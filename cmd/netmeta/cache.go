// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNMA/services/nma/memo"
	"github.com/AleutianAI/AleutianNMA/services/nma/pipeline"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the persistent result cache (cache.dir)",
	}
	cmd.AddCommand(newCacheClearCmd(a))
	return cmd
}

func newCacheClearCmd(a *app) *cobra.Command {
	stages := pipeline.LazyStages()
	cmd := &cobra.Command{
		Use:   "clear [STAGE]",
		Short: "Remove cached stage results",
		Long: fmt.Sprintf(`clear removes cached results of one stage, or of every stage when STAGE
is omitted. Stages: %s.`, strings.Join(stages, ", ")),
		Example: `  netmeta cache clear
  netmeta cache clear ranking`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			if len(args) == 1 && !slices.Contains(stages, args[0]) {
				return fmt.Errorf("%w: unknown stage %q", errUsage, args[0])
			}
			return nil
		},
	}

	cmd.RunE = a.run(func(cmd *cobra.Command, args []string) error {
		if a.cfg.Cache.Dir == "" {
			return fmt.Errorf("%w: cache.dir is not configured", errUsage)
		}
		store, err := a.openStore()
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				a.logger.Warn("close result cache", "error", err)
			}
		}()

		namespace, what := "", "all stages"
		if len(args) == 1 {
			namespace, what = memo.Key(args[0], ""), args[0]
		}
		n, err := store.Delete(cmd.Context(), namespace)
		if err != nil {
			return err
		}
		a.logger.Info("result cache cleared", "path", store.Path(), "namespace", namespace, "removed", n)
		newPrinter(cmd.OutOrStdout(), a.noColor).Success(fmt.Sprintf("removed %d cached results (%s)", n, what))
		return nil
	})
	return cmd
}
