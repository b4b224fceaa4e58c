package handlers

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/mattn/go-isatty"
)

const (
	cRed     = "\u001b[91m"
	cGreen   = "\u001b[92m"
	cYellow  = "\u001b[93m"
	cBlue    = "\u001b[94m"
	cMagenta = "\u001b[95m"
	cCyan    = "\u001b[96m"
	cReset   = "\u001b[0m"
)

func statusColor(status int, enabled bool) string {
	if !enabled {
		return ""
	}
	switch {
	case status >= 200 && status < 300:
		return cGreen
	case status >= 300 && status < 400:
		return cBlue
	case status >= 400 && status < 500:
		return cYellow
	default:
		return cRed
	}
}

func methodColor(method string, enabled bool) string {
	if !enabled {
		return ""
	}
	switch method {
	case fiber.MethodGet:
		return cCyan
	case fiber.MethodPost:
		return cGreen
	case fiber.MethodDelete:
		return cRed
	case fiber.MethodPatch:
		return cMagenta
	default:
		return cReset
	}
}

// SamplingLogger logs every request except the paths in sampled, which are
// logged once every N calls.
func SamplingLogger(out io.Writer, sampled map[string]uint64) fiber.Handler {
	if out == nil {
		out = os.Stderr
	}
	enableColors := false
	if f, ok := out.(*os.File); ok {
		enableColors = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
	}

	var mu sync.Mutex
	counters := make(map[string]uint64, len(sampled))

	defaultLogger := logger.New(logger.Config{
		Format:        "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		Output:        out,
		DisableColors: !enableColors,
	})

	return func(c *fiber.Ctx) error {
		every, ok := sampled[c.Path()]
		if !ok || every <= 1 {
			return defaultLogger(c)
		}

		mu.Lock()
		counters[c.Path()]++
		count := counters[c.Path()]
		if count >= every {
			counters[c.Path()] = 0
		}
		mu.Unlock()

		if count < every {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		status := c.Response().StatusCode()
		method := c.Method()
		reset := ""
		if enableColors {
			reset = cReset
		}
		fmt.Fprintf(out, "%s | %s%d%s | %13s | %s | %s%s%s | %s | - [sampled: %d calls]\n",
			time.Now().Format("15:04:05"),
			statusColor(status, enableColors), status, reset,
			duration,
			c.IP(),
			methodColor(method, enableColors), method, reset,
			c.Path(),
			count)
		return err
	}
}
