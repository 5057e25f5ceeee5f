//go:build debug

package zone

func init() {
	StrictMode = true
}
