package cli

import (
	"strings"
	"time"

	"github.com/roadrunner-server/harness/httpexec"
	"github.com/spf13/cobra"
)

type responseView struct {
	Status   int               `json:"status"`
	URL      string            `json:"url"`
	Elapsed  string            `json:"elapsed"`
	Attempts int               `json:"attempts"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     any               `json:"body,omitempty"`
}

func viewResponse(r *httpexec.Response) responseView {
	v := responseView{
		Status:   r.StatusCode,
		URL:      r.URL,
		Elapsed:  r.Elapsed.Round(time.Millisecond).String(),
		Attempts: r.Attempts,
	}

	if len(r.Body) > 0 {
		v.Body = parseValue(r.Text())
	}

	if len(r.Header) > 0 {
		v.Headers = make(map[string]string, len(r.Header))
		for k := range r.Header {
			v.Headers[k] = r.Header.Get(k)
		}
	}

	return v
}

func newSendCmd(a *App) *cobra.Command {
	var (
		data    string
		headers []string
	)

	cmd := &cobra.Command{
		Use:   "send METHOD PATH",
		Short: "Send one HTTP request with retries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.Harness(cmd.Context())
			if err != nil {
				return err
			}

			hdrs, err := parseKV(headers, ":")
			if err != nil {
				return err
			}

			var body any
			if data != "" {
				body = parseValue(data)
			}

			resp, err := h.HTTP().Send(cmd.Context(), strings.ToUpper(args[0]), args[1], body, hdrs)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), viewResponse(resp))
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "request body, sent as JSON when it parses as JSON")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header as 'Name: value', repeatable")

	return cmd
}

func newUploadCmd(a *App) *cobra.Command {
	var (
		files   []string
		fields  []string
		headers []string
	)

	cmd := &cobra.Command{
		Use:   "upload PATH",
		Short: "Send a multipart upload with retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.Harness(cmd.Context())
			if err != nil {
				return err
			}

			parts := make([]httpexec.File, 0, len(files))
			for _, f := range files {
				part, err := parseFile(f)
				if err != nil {
					return err
				}
				parts = append(parts, part)
			}

			form, err := parseKV(fields, "=")
			if err != nil {
				return err
			}

			hdrs, err := parseKV(headers, ":")
			if err != nil {
				return err
			}

			resp, err := h.HTTP().Upload(cmd.Context(), args[0], parts, form, hdrs)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), viewResponse(resp))
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "F", nil, "file part as field=path[;type=...][;filename=...], repeatable")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "form field as key=value, repeatable")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header as 'Name: value', repeatable")

	return cmd
}
