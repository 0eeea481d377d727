/* Copyright 2025 Baikonur I/O, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package tools renders configuration documentation.  The doc strings
// on events and triggers are markdown; everything else comes from the
// declarations themselves, so the page cannot drift from what the
// engine actually runs.
package tools

import (
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsccast/yaml"
	md "github.com/russross/blackfriday/v2"

	"github.com/baikonur-io/laika/config"
)

// RenderConfigHTML writes the events and triggers of a configuration
// as an HTML fragment, in declaration order.
func RenderConfigHTML(c *config.Config, out io.Writer) error {
	f := func(format string, args ...interface{}) {
		fmt.Fprintf(out, format+"\n", args...)
	}

	{ // Events
		f(`<div class="events"><h2>Events</h2><table>`)
		for _, name := range c.EventNames() {
			e := c.Events[name]
			f(`<tr class="event"><td><span id="event-%s" class="eventName">%s</span></td><td>`, name, name)
			if e.Doc != "" {
				f(`<div class="eventDoc doc">%s</div>`, md.Run([]byte(e.Doc)))
			}
			f(`<div>source <code>%s</code></div>`, e.From)
			if e.MatchAll {
				f(`<div>matches every record from the source</div>`)
			} else if 0 < len(e.MatchKey) {
				f(`<div class="code"><pre>%s</pre></div>`, yamlBlock(e.MatchKey))
			} else if m := sourceMatch(c, e.From); m != nil {
				if m.MatchAll {
					f(`<div>matches every record from the source</div>`)
				} else {
					f(`<div class="code"><pre>%s</pre></div>`, yamlBlock(m.MatchKey))
				}
			}
			if corr, have := c.Correlation[name]; have {
				f(`<div>correlated by <code>%s</code></div>`, html.EscapeString(corr.Key))
			} else {
				f(`<div>not correlated</div>`)
			}
			f(`</td></tr>`)
		}
		f(`</table></div>`)
	}

	{ // Triggers
		f(`<div class="triggers"><h2>Triggers</h2><table>`)
		for _, name := range c.TriggerNames() {
			t := c.Triggers[name]
			f(`<tr class="trigger"><td><span id="trigger-%s" class="triggerName">%s</span></td><td>`, name, name)
			if t.Doc != "" {
				f(`<div class="triggerDoc doc">%s</div>`, md.Run([]byte(t.Doc)))
			}
			f(`<table>`)
			if 0 < len(t.Requires.Exact) {
				f(`<tr><td>requires exactly</td><td>%s</td></tr>`, eventLinks(t.Requires.Exact))
			}
			if 0 < len(t.Requires.AtLeast) {
				f(`<tr><td>requires at least</td><td>%s</td></tr>`, eventLinks(t.Requires.AtLeast))
			}
			if tm := t.Timing; tm != nil {
				f(`<tr><td>timing</td><td>%s</td></tr>`, timingText(tm))
			}
			if t.FilterAndExtract != "" {
				f(`<tr><td>filter</td><td><div class="code"><pre>%s</pre></div></td></tr>`,
					html.EscapeString(t.FilterAndExtract))
			}
			f(`<tr><td>target</td><td><code>%s</code></td></tr>`, t.Action.Target)
			if t.Action.Payload != nil {
				f(`<tr><td>payload</td><td><div class="code"><pre>%s</pre></div></td></tr>`,
					yamlBlock(t.Action.Payload))
			}
			f(`</table>`)
			f(`</td></tr>`)
		}
		f(`</table></div>`)
	}

	return nil
}

// RenderConfigPage writes a complete HTML page for the configuration.
func RenderConfigPage(c *config.Config, title string, cssFiles []string, out io.Writer) error {
	if cssFiles == nil {
		cssFiles = []string{"/static/confdoc.css"}
	}

	fmt.Fprintf(out, `<!DOCTYPE html>
<meta charset="utf-8">
<html>
  <head>
  <title>%s</title>
`, html.EscapeString(title))

	for _, cssFile := range cssFiles {
		fmt.Fprintf(out, "  <link href=\"%s\" rel=\"stylesheet\">\n", cssFile)
	}

	fmt.Fprintf(out, `
  </head>
  <body>
    <h1>%s</h1>
`, html.EscapeString(title))

	if err := RenderConfigHTML(c, out); err != nil {
		return err
	}

	fmt.Fprintf(out, `
  </body>
</html>
`)

	return nil
}

// ReadAndRenderConfigPage reads a configuration file, validates it,
// and writes its documentation page.
func ReadAndRenderConfigPage(filename string, cssFiles []string, out io.Writer) error {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	c, err := config.Parse(bs)
	if err != nil {
		return err
	}
	if err = c.Validate(); err != nil {
		return err
	}
	return RenderConfigPage(c, filepath.Base(filename), cssFiles, out)
}

func sourceMatch(c *config.Config, from string) *config.MatchDef {
	src, have := c.Sources[from]
	if !have {
		return nil
	}
	return src.Match
}

func eventLinks(names []string) string {
	links := make([]string, 0, len(names))
	for _, name := range names {
		links = append(links, fmt.Sprintf(`<a href="#event-%s"><code>%s</code></a>`, name, name))
	}
	return strings.Join(links, ", ")
}

func timingText(tm *config.TimingDef) string {
	parts := make([]string, 0, 3)
	if tm.From != "" {
		parts = append(parts, fmt.Sprintf("first check <code>%s</code> after satisfaction", tm.From))
	} else {
		parts = append(parts, "first check at satisfaction")
	}
	if tm.CheckEvery != "" {
		parts = append(parts, fmt.Sprintf("re-checked every <code>%s</code>", tm.CheckEvery))
	} else {
		parts = append(parts, "checked once")
	}
	if tm.Until != "" {
		parts = append(parts, fmt.Sprintf("until <code>%s</code> after satisfaction", tm.Until))
	}
	return strings.Join(parts, "; ")
}

func yamlBlock(x interface{}) string {
	bs, err := yaml.Marshal(x)
	if err != nil {
		return html.EscapeString(fmt.Sprintf("%#v", x))
	}
	return html.EscapeString(strings.TrimSpace(string(bs)))
}
