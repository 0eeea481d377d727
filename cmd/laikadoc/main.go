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

// laikadoc renders a configuration's documentation as an HTML page.
//
//	laikadoc laika.yaml > laika.html
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/baikonur-io/laika/tools"
)

func main() {
	var (
		out = flag.String("o", "", "output filename (default stdout)")
		css = flag.String("css", "", "comma-separated stylesheet hrefs")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: laikadoc [-o OUT] [-css HREFS] CONFIG")
		os.Exit(2)
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "laikadoc: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	var cssFiles []string
	if *css != "" {
		cssFiles = strings.Split(*css, ",")
	}

	if err := tools.ReadAndRenderConfigPage(flag.Arg(0), cssFiles, w); err != nil {
		fmt.Fprintf(os.Stderr, "laikadoc: %v\n", err)
		os.Exit(1)
	}
}
