//go:build tinygo

package main

import (
	"ember/app"
	"ember/hal"
)

func main() {
	app.RunWithConfig(hal.New(), app.Config{EchoSerial: true})
}
