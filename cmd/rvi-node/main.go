package main

import (
	"flag"
	"log"
	"net"
	"os"
	"strings"

	rvi "github.com/cajun-rat/rvi-lib"
	gjson "github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile) // Add Lshortfile for short file names

	var confPath = flag.String("config", "conf.json", "path to the node config file")
	var listenAddr = flag.String("listen", "", "accept peer connections on this host:port")
	var connectTo = flag.String("connect", "", "dial a peer at host:port")
	var register = flag.String("register", "", "comma-separated service names to register (each just echoes its parameters)")

	flag.Parse()

	x, err := rvi.Init(*confPath)
	if err != nil {
		log.Printf("bad config: '%v'\n", err)
		os.Exit(1)
	}
	defer x.Close()

	for _, name := range strings.Split(*register, ",") {
		if name == "" {
			continue
		}
		name := name
		err := x.RegisterService(name, func(fd int, data []byte, params gjson.RawMessage) {
			log.Printf("service %q invoked from fd %v with params: %s", name, fd, params)
		}, nil)
		if err != nil {
			log.Printf("registering %q: '%v' (status %v)\n", name, err, rvi.StatusOf(err))
			os.Exit(1)
		}
	}

	var lis net.Listener
	if *listenAddr != "" {
		lis, err = x.Listen(*listenAddr)
		if err != nil {
			log.Printf("listen on %v: '%v'\n", *listenAddr, err)
			os.Exit(1)
		}
		log.Printf("listening on %v", *listenAddr)
		fd, err := x.Accept(lis)
		if err != nil {
			log.Printf("accept: '%v'\n", err)
			os.Exit(1)
		}
		log.Printf("accepted peer on fd %v", fd)
	}

	if *connectTo != "" {
		host, port, err := net.SplitHostPort(*connectTo)
		if err != nil {
			log.Printf("bad -connect address '%v': %v\n", *connectTo, err)
			os.Exit(1)
		}
		fd, err := x.Connect(host, port)
		if err != nil {
			log.Printf("connect to %v: '%v' (status %v)\n", *connectTo, err, rvi.StatusOf(err))
			os.Exit(1)
		}
		log.Printf("connected to %v on fd %v; services now: %v", *connectTo, fd, x.GetServices())
	}

	// The caller owns the readiness loop. Level-triggered
	// poll(2), one message read per ready descriptor per
	// pass; re-poll immediately since one readable event may
	// cover several queued frames.
	for {
		fds := x.GetConnections()
		if len(fds) == 0 {
			log.Printf("no connections left; exiting")
			return
		}
		pfds := make([]unix.PollFd, len(fds))
		for i, fd := range fds {
			pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
		}
		n, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Printf("poll: '%v'\n", err)
			os.Exit(1)
		}
		if n == 0 {
			continue
		}
		var ready []int
		for _, p := range pfds {
			if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready = append(ready, int(p.Fd))
			}
		}
		if err := x.ProcessInput(ready); err != nil {
			log.Printf("process input: '%v' (status %v)", err, rvi.StatusOf(err))
		}
	}
}
