package main

import (
	"fmt"

	"isokb/internal/notebook"
	"isokb/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var queryLimit int

// queryCmd runs one goal against a knowledge-base file
var queryCmd = &cobra.Command{
	Use:   "query <file.mg> <goal>",
	Short: "Load a knowledge base and run one query",
	Long: `Consults a Mangle source file into a fresh session, evaluates the
goal and prints the solutions.

Example:
  isokb query family.mg "ancestor(/tom, Who)"
  isokb query graph.mg "edge(X, Y), !blocked(Y)"`,
	Args: cobra.ExactArgs(2),
	RunE: queryFile,
}

func init() {
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "Maximum number of solutions (0 = unlimited)")
}

func queryFile(cmd *cobra.Command, args []string) error {
	path, goal := args[0], args[1]
	logger.Debug("Querying file", zap.String("path", path), zap.String("goal", goal))

	ctx, cancel := commandContext(cmd)
	defer cancel()

	m := newManager()
	defer m.Close(ctx)

	var opts []session.QueryOption
	if queryLimit > 0 {
		opts = append(opts, session.WithLimit(queryLimit))
	}

	return m.Use(ctx, func(s *session.Session) error {
		if err := s.ConsultFile(ctx, path); err != nil {
			return err
		}
		cur, err := s.Query(ctx, goal, opts...)
		if err != nil {
			return err
		}
		qr := notebook.QueryResult{Goal: goal, Variables: cur.Variables()}
		qr.Solutions, qr.Err = cur.Collect()
		if _, err := fmt.Fprint(cmd.OutOrStdout(), notebook.RenderQuery(qr)); err != nil {
			return err
		}
		return qr.Err
	}, session.WithLabel("query"))
}
