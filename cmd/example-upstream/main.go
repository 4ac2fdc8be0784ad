// A trivial upstream for trying the gateway locally: echoes the method,
// path and body size. The shaping delay shows up on the client side in the
// X-Shape-Wait-Ms response header the gateway adds.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	flag.Parse()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		fmt.Fprintf(w, "echo %s %s body=%dB at=%s\n",
			r.Method, r.URL.Path, n, time.Now().Format(time.RFC3339Nano))
	})

	fmt.Printf("example upstream listening on %s\n", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
