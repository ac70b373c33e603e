// Package builtin holds the tools every gateway registers.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"basegraph.app/parley/internal/tool"
)

// Register adds every builtin tool to r.
func Register(r *tool.Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	for _, def := range []tool.Definition{CurrentTime(now), TextFile()} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func CurrentTime(now func() time.Time) tool.Definition {
	return tool.Definition{
		Name:        "current_time",
		Description: "Returns the current date and time.",
		Parameters: []tool.Parameter{
			{Name: "timezone", Type: tool.TypeString, Description: "IANA zone name, e.g. Europe/Berlin. Defaults to UTC."},
		},
		Execute: func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			zone, _ := params["timezone"].(string)
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return tool.Failure("unknown timezone %q", zone), nil
			}

			t := now().In(loc)
			return tool.OK(map[string]any{
				"timezone": zone,
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
			}), nil
		},
	}
}

// TextFile sends the given content to the user as a text file attachment.
func TextFile() tool.Definition {
	return tool.Definition{
		Name:        "send_text_file",
		Description: "Sends text to the user as a downloadable file.",
		Parameters: []tool.Parameter{
			{Name: "filename", Type: tool.TypeString, Required: true, Description: "File name including extension."},
			{Name: "content", Type: tool.TypeString, Required: true, Description: "File contents."},
			{Name: "caption", Type: tool.TypeString, Description: "Optional caption shown with the file."},
		},
		Execute: func(ctx context.Context, params map[string]any, tc tool.Context) (tool.Result, error) {
			name := strings.TrimSpace(params["filename"].(string))
			content := params["content"].(string)
			caption, _ := params["caption"].(string)

			if name == "" || strings.ContainsAny(name, `/\`) {
				return tool.Result{}, fmt.Errorf("invalid filename %q", name)
			}

			res := tool.OK(map[string]any{
				"filename": name,
				"size":     len(content),
			})
			res.Artifacts = []tool.Artifact{{
				Kind:     tool.ArtifactFile,
				Name:     name,
				MIMEType: "text/plain; charset=utf-8",
				Caption:  caption,
				Data:     []byte(content),
			}}
			return res, nil
		},
	}
}
