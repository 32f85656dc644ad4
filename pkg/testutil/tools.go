package testutil

import (
	"os"
	"os/exec"
)

func MdadmAvailable() bool {
	_, err := exec.LookPath("mdadm")
	return err == nil
}

func CryptsetupAvailable() bool {
	_, err := exec.LookPath("cryptsetup")
	return err == nil
}

// IsRoot reports whether the test process can manipulate block devices.
func IsRoot() bool {
	return os.Geteuid() == 0
}
