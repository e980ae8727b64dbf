package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/loykin/stackctl"
)

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", format)
}

func writeResult(w io.Writer, format string, res stackctl.Result) error {
	if format != "text" {
		return writeStructured(w, format, res)
	}
	_, err := fmt.Fprintln(w, res.Summary())
	return err
}

func writeSnapshot(w io.Writer, format string, snap stackctl.Snapshot) error {
	if format != "text" {
		return writeStructured(w, format, snap)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTAGE\tSTATE\tENDPOINT\tMETHOD\tDETAIL")
	for _, st := range snap.Services {
		state := "down"
		if st.Listening {
			state = "up"
		}
		endpoint := "-"
		if st.Port > 0 {
			endpoint = fmt.Sprintf("%s:%d", st.Host, st.Port)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", st.Name, st.Stage, state, endpoint, st.Method, st.Detail)
	}
	return tw.Flush()
}

func writeServices(w io.Writer, format string, descs []stackctl.Descriptor) error {
	if format != "text" {
		return writeStructured(w, format, descs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTAGE\tPORT\tGRACE\tCOMMAND")
	for _, d := range descs {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", d.Name, d.Stage, d.HealthPort, d.StartupGracePeriod, d.Command)
	}
	return tw.Flush()
}
