// rvi-provision generates fleet key material: the credential
// authority keypair, a private CA, device TLS certificates,
// and signed credentials.
//
// typical bootstrap:
//
//	rvi-provision -dir fleet -authority -ca
//	rvi-provision -dir fleet -device node123 -hosts node123.example.com
//	rvi-provision -dir fleet -mint -issuer genivi.org -days 365 \
//	    -invoke 'node456/*' -register 'node123/*' -out fleet/node123.jwt
package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/cajun-rat/rvi-lib/provision"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile) // Add Lshortfile for short file names

	var dir = flag.String("dir", "rvi-fleet", "directory for generated key material")
	var authority = flag.Bool("authority", false, "generate the provisioning authority keypair (prov.key, prov.pub)")
	var ca = flag.Bool("ca", false, "generate a self-signed CA (ca.key, ca.crt)")
	var device = flag.String("device", "", "generate a CA-signed device cert/key with this common name")
	var hosts = flag.String("hosts", "", "comma-separated DNS names or IPs for -device")

	var mint = flag.Bool("mint", false, "mint a credential signed by prov.key")
	var issuer = flag.String("issuer", "", "credential issuer identity for -mint")
	var days = flag.Int("days", 365, "credential validity in days for -mint")
	var invoke = flag.String("invoke", "", "comma-separated right_to_invoke patterns for -mint")
	var register = flag.String("register", "", "comma-separated right_to_receive patterns for -mint")
	var out = flag.String("out", "", "output path for -mint")

	flag.Parse()

	did := false

	if *authority {
		keyPath, pubPath, err := provision.MakeAuthority(*dir)
		if err != nil {
			log.Printf("authority: '%v'\n", err)
			os.Exit(1)
		}
		log.Printf("authority keypair written: %v (private), %v (for node configs)", keyPath, pubPath)
		did = true
	}

	if *ca {
		if err := provision.MakeCA(*dir, "rvi fleet CA"); err != nil {
			log.Printf("ca: '%v'\n", err)
			os.Exit(1)
		}
		log.Printf("CA written under %v", *dir)
		did = true
	}

	if *device != "" {
		err := provision.MakeDeviceCert(*dir, *dir, *device, splitList(*hosts))
		if err != nil {
			log.Printf("device cert for %q: '%v'\n", *device, err)
			os.Exit(1)
		}
		log.Printf("device cert/key for %q written under %v", *device, *dir)
		did = true
	}

	if *mint {
		if *out == "" || *issuer == "" {
			log.Printf("-mint needs -issuer and -out\n")
			os.Exit(1)
		}
		err := provision.Mint(*dir+string(os.PathSeparator)+"prov.key",
			*issuer, *days, splitList(*invoke), splitList(*register), *out)
		if err != nil {
			log.Printf("mint: '%v'\n", err)
			os.Exit(1)
		}
		log.Printf("credential written to %v", *out)
		did = true
	}

	if !did {
		flag.Usage()
		os.Exit(1)
	}
}

func splitList(csv string) (out []string) {
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
