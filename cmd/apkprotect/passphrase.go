package main

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/term"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/signer"
)

// signingPassphrase 口令优先取配置/环境变量，私钥加密且未提供时从终端读取
func signingPassphrase(sc config.SigningConfig) ([]byte, error) {
	if sc.Passphrase != "" {
		return []byte(sc.Passphrase), nil
	}
	if envPass := os.Getenv(PassphraseEnvVar); envPass != "" {
		return []byte(envPass), nil
	}
	if sc.Key == "" {
		return nil, nil
	}
	encrypted, err := signer.KeyEncrypted(sc.Key)
	if err != nil || !encrypted {
		return nil, err
	}
	return readPassword(fmt.Sprintf("Passphrase for %s: ", sc.Key))
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	var passphrase []byte
	var err error

	if term.IsTerminal(int(syscall.Stdin)) {
		passphrase, err = term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
	} else {
		// STDIN 被管道占用时改从 /dev/tty 读取
		tty, ttyErr := os.Open("/dev/tty")
		if ttyErr != nil {
			if runtime.GOOS == "windows" {
				return nil, fmt.Errorf("passphrase must be set via %s when STDIN is piped", PassphraseEnvVar)
			}
			return nil, fmt.Errorf("cannot read passphrase: STDIN is piped and /dev/tty is not available. Set %s", PassphraseEnvVar)
		}
		defer tty.Close()

		passphrase, err = term.ReadPassword(int(tty.Fd()))
		fmt.Fprintln(os.Stderr)
	}

	if err != nil {
		return nil, err
	}
	return passphrase, nil
}

// zeroBytes 用完即清零口令
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
