// Package bootstrap drives the privileged startup sequence of
// iwtftpd.c's main(): require root, open the log, daemonize, bind the
// listening sockets while still root, then chroot into the datastore and
// drop to the configured user before the reactor ever touches the wire.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/onefoot/iwtftpd/internal/clock"
	"github.com/onefoot/iwtftpd/internal/config"
	"github.com/onefoot/iwtftpd/internal/datastore"
	"github.com/onefoot/iwtftpd/internal/logging"
	"github.com/onefoot/iwtftpd/internal/netutil"
	"github.com/onefoot/iwtftpd/internal/reactor"
	"github.com/onefoot/iwtftpd/internal/session"
	"github.com/onefoot/iwtftpd/internal/sysexits"
)

// RequireRoot fails fast the way the source checks getuid() before doing
// any privileged work.
func RequireRoot() error {
	if os.Getuid() != 0 {
		return errors.New("bootstrap: must be run as root")
	}
	return nil
}

// Daemonize forks into the background, detaches from the controlling
// terminal, and redirects stdio to /dev/null, preserving keepFD (the open
// log file) across the fork. Mirrors daemonize() in the source, modulo
// Go's syscall.ForkExec-based approach replacing a raw fork(2)+exec-less
// child continuation, since the Go runtime cannot safely fork without
// exec.
func Daemonize(keepFD *os.File) error {
	if os.Getenv("IWTFTPD_DAEMONIZED") == "1" {
		return redirectStdio()
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "bootstrap: resolve executable")
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "bootstrap: open /dev/null")
	}
	defer devnull.Close()

	procAttr := &os.ProcAttr{
		Env:   append(os.Environ(), "IWTFTPD_DAEMONIZED=1"),
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	if keepFD != nil {
		procAttr.Files = append(procAttr.Files, keepFD)
	}

	proc, err := os.StartProcess(exe, os.Args, procAttr)
	if err != nil {
		return errors.Wrap(err, "bootstrap: fork daemon")
	}
	_ = proc.Release()
	os.Exit(sysexits.OK)
	return nil
}

func redirectStdio() error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "bootstrap: open /dev/null")
	}
	defer devnull.Close()
	unix.Umask(0)
	for _, fd := range []int{0, 1, 2} {
		if err := unix.Dup2(int(devnull.Fd()), fd); err != nil {
			return errors.Wrapf(err, "bootstrap: redirect fd %d", fd)
		}
	}
	return nil
}

// IgnoredSignals matches the source's ign_siglist: these never interrupt
// the server.
var IgnoredSignals = []os.Signal{syscall.SIGINT, syscall.SIGPIPE, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU}

// ShutdownSignals matches siglist: any of these flips the reactor's
// shutdown flag.
var ShutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP}

// WatchShutdown installs handlers so any of ShutdownSignals calls r.Stop,
// and ignores IgnoredSignals the way init_signal(..., SIG_IGN) does.
func WatchShutdown(r *reactor.Reactor) {
	signal.Ignore(IgnoredSignals...)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, ShutdownSignals...)
	go func() {
		<-ch
		r.Stop()
	}()
}

// Credentials is the (uid, gid) pair resolved from cfg.Username before the
// chroot, matching the source's getpwnam-before-chroot ordering (nsswitch
// lookups need /etc inside the real root).
type Credentials struct {
	Username string
	UID      int
	GID      int
}

// LookupUser resolves username to credentials while /etc is still
// reachable.
func LookupUser(username string) (Credentials, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "bootstrap: unknown user %q", username)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "bootstrap: parse uid %q", u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "bootstrap: parse gid %q", u.Gid)
	}
	return Credentials{Username: username, UID: uid, GID: gid}, nil
}

// Chroot changes the process root to dir and cds into it, per
// exec_chroot().
func Chroot(dir string) error {
	if err := unix.Chroot(dir); err != nil {
		return errors.Wrapf(err, "bootstrap: chroot %q", dir)
	}
	if err := unix.Chdir("/"); err != nil {
		return errors.Wrap(err, "bootstrap: chdir /")
	}
	return nil
}

// DropPrivileges lowers the process to creds, in the set_credential()
// order: setgid, initgroups, setuid. Order matters — setuid must be last,
// since dropping uid first would forbid the later setgid/initgroups
// calls.
func DropPrivileges(creds Credentials) error {
	if err := unix.Setgid(creds.GID); err != nil {
		return errors.Wrapf(err, "bootstrap: setgid %d", creds.GID)
	}
	if err := initgroups(creds.Username, creds.GID); err != nil {
		return errors.Wrapf(err, "bootstrap: initgroups %q", creds.Username)
	}
	if err := unix.Setuid(creds.UID); err != nil {
		return errors.Wrapf(err, "bootstrap: setuid %d", creds.UID)
	}
	return nil
}

// initgroups has no direct unix.* wrapper on Linux; this builds the user's
// supplementary group list with os/user and applies it with setgroups.
func initgroups(username string, gid int) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return err
	}
	set := make([]int, 0, len(gids)+1)
	seen := map[int]bool{gid: true}
	set = append(set, gid)
	for _, g := range gids {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		if !seen[n] {
			seen[n] = true
			set = append(set, n)
		}
	}
	return unix.Setgroups(set)
}

// Run executes the full sequence of main(): root check, log open,
// daemonize, socket bind, user lookup, chroot, datastore init, privilege
// drop, then signal setup and hand-off to the reactor. Signal handlers are
// installed only once the reactor exists; a signal that arrives during the
// earlier steps gets its default disposition. Run returns a sysexits code on
// failure, or sysexits.OK after a clean shutdown.
func Run(cfg *config.Config) int {
	if err := RequireRoot(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sysexits.Usage
	}

	log, logFile, err := logging.Open(logging.DefaultPath, cfg.Verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sysexits.Software
	}
	defer logFile.Close()

	if err := Daemonize(logFile); err != nil {
		log.WithError(err).Error("daemonize failed")
		return sysexits.OSErr
	}

	family := netutilFamily(cfg.Family)
	addrs, err := netutil.BindAddrs(family, cfg.Interface)
	if err != nil {
		log.WithError(err).Error("resolving bind addresses failed")
		return sysexits.Software
	}
	serverConns, err := netutil.ListenServers(context.Background(), addrs)
	if err != nil {
		log.WithError(err).Error("binding listen sockets failed")
		return sysexits.OSErr
	}

	creds, err := LookupUser(cfg.Username)
	if err != nil {
		log.WithError(err).Error("user lookup failed")
		return sysexits.OSErr
	}

	if err := Chroot(cfg.Datastore); err != nil {
		log.WithError(err).Error("chroot failed")
		return sysexits.OSErr
	}

	store, err := datastore.Open("/")
	if err != nil {
		log.WithError(err).Error("datastore init failed")
		return sysexits.Software
	}

	if err := DropPrivileges(creds); err != nil {
		log.WithError(err).Error("dropping privileges failed")
		return sysexits.OSErr
	}

	engine := session.NewEngine(store)
	r := reactor.New(engine, serverConns, clock.Real(), log)
	WatchShutdown(r)

	log.Info("starting server")
	if err := r.Run(); err != nil {
		log.WithError(err).Error("server loop exited with error")
		return sysexits.Software
	}
	log.Info("exiting server")
	return sysexits.OK
}

func netutilFamily(f config.Family) netutil.Family {
	switch f {
	case config.FamilyV4Only:
		return netutil.FamilyV4Only
	case config.FamilyV6Only:
		return netutil.FamilyV6Only
	default:
		return netutil.FamilyBoth
	}
}
