package restlet

import (
	"fmt"
	"io"
	"text/tabwriter"

	rest "github.com/edgeflare/restlet/pkg/restlet"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the routes the configured resources are served under",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := cfg.Log.Logger()
		if err != nil {
			return err
		}
		b, err := newBackend(cmd.Context(), cfg, logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
		if err != nil {
			return err
		}
		defer b.Close()
		return printRoutes(cmd.OutOrStdout(), b.app)
	},
}

func printRoutes(out io.Writer, app *rest.Application) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURI\tTARGET\tMETHODS")
	for _, r := range app.Routes().Routes() {
		uri := r.URI
		if uri == "" {
			uri = "/"
		}
		switch h := r.Handler.(type) {
		case *rest.Handler:
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, uri, h.Policy().Table.FullName(), methods(h))
		default:
			fmt.Fprintf(tw, "%s\t%s\t-> %s\t\n", r.Name, uri, r.RedirectTo)
		}
	}
	return tw.Flush()
}
