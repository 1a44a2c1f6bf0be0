package profile

import (
	"os"
	"strconv"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func parsePort(s string) (int, error) {
	return strconv.Atoi(s)
}
