// Command lbz formats, inspects and exercises file-backed translated zoned
// devices.
package main

func main() {
	Execute()
}
