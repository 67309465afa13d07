package sh

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abiosoft/ishell"
	"golang.org/x/net/websocket"
)

// Shell provides an ishell backed interactive peer of the bridge.
type Shell struct {
	Interactive bool
	HexOutput   bool
	// Addr is connected automatically on Run when set.
	Addr string
	// Linger is how long received bytes are still printed after the
	// commands in non-interactive mode.
	Linger time.Duration

	Shell *ishell.Shell

	lock   sync.Mutex
	peer   *Peer
	prompt atomic.Value
}

// Peer is a connection to the bridge.
type Peer struct {
	Addr   string
	Conn   io.ReadWriteCloser
	Ctx    context.Context
	Cancel func()
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
	dialTimeout       = 5 * time.Second
)

var (
	// flags

	evalOnly  bool
	hexOutput bool
	addr      = os.Getenv("UARTNET_ADDR")
	linger    = 500 * time.Millisecond

	// commands
	commands = []*ishell.Cmd{
		&ConnectCmd,
		&DisconnectCmd,
		&SendCmd,
		&HexCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&hexOutput, "hex", hexOutput, "Print received bytes in hex.")
	flag.StringVar(&addr, "addr", addr, "Bridge address to connect, host:port or ws://host:port/path.")
	flag.DurationVar(&linger, "linger", linger, "Time to print received bytes before exit with -e.")
}

// New creates a new shell from flags.
func New() *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		HexOutput:   hexOutput,
		Addr:        addr,
		Linger:      linger,
		Shell:       ishell.New(),
	}
	s.Shell.Set(shellKey, s)
	s.setPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Peer() == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// Dial connects to a bridge. A ws:// or wss:// address uses websocket,
// anything else raw TCP.
func Dial(addr string) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conf, err := websocket.NewConfig(addr, "http://localhost/")
		if err != nil {
			return nil, err
		}
		conf.Dialer = &net.Dialer{Timeout: dialTimeout}
		ws, err := websocket.DialConfig(conf)
		if err != nil {
			return nil, err
		}
		ws.PayloadType = websocket.BinaryFrame
		return ws, nil
	}
	return net.DialTimeout("tcp", addr, dialTimeout)
}

// ParseHex decodes bytes written as hex, e.g. "01 02 ff" or "0x0102FF".
func ParseHex(args ...string) ([]byte, error) {
	var sb strings.Builder
	for _, arg := range args {
		for _, field := range strings.Fields(arg) {
			field = strings.TrimPrefix(strings.TrimPrefix(field, "0x"), "0X")
			sb.WriteString(field)
		}
	}
	return hex.DecodeString(sb.String())
}

// Format renders received bytes for display.
func Format(data []byte, hexOutput bool) string {
	if hexOutput {
		return fmt.Sprintf("% x", data)
	}
	return fmt.Sprintf("%q", data)
}

// Prompt returns the current prompt.
func (s *Shell) Prompt() string {
	p, _ := s.prompt.Load().(string)
	return p
}

func (s *Shell) setPrompt(prompt string) {
	s.prompt.Store(prompt)
	if s.Shell != nil {
		s.Shell.SetPrompt(prompt)
	}
}

func (s *Shell) printf(format string, args ...interface{}) {
	if s.Shell != nil {
		s.Shell.Printf(format, args...)
	}
}

// Peer returns the current connection.
func (s *Shell) Peer() *Peer {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.peer
}

// Connect connects the bridge at addr, replacing the current connection.
func (s *Shell) Connect(addr string) error {
	conn, err := Dial(addr)
	if err != nil {
		return err
	}
	peer := &Peer{Addr: addr, Conn: conn}
	peer.Ctx, peer.Cancel = context.WithCancel(context.Background())
	s.Disconnect()
	s.lock.Lock()
	s.peer = peer
	s.lock.Unlock()
	s.setPrompt(fmt.Sprintf("%s > ", addr))
	go s.receive(peer)
	return nil
}

// Disconnect disconnects the current connection.
func (s *Shell) Disconnect() {
	s.lock.Lock()
	peer := s.peer
	s.peer = nil
	s.lock.Unlock()
	if peer != nil {
		peer.Cancel()
		peer.Conn.Close()
		s.setPrompt(unconnectedPrompt)
	}
}

// Send writes data to the current connection.
func (s *Shell) Send(data []byte) error {
	peer := s.Peer()
	if peer == nil {
		return fmt.Errorf("not connected")
	}
	_, err := peer.Conn.Write(data)
	return err
}

func (s *Shell) receive(peer *Peer) {
	buf := make([]byte, 2048)
	for {
		n, err := peer.Conn.Read(buf)
		if n > 0 {
			s.printf("< %s\n", Format(buf[:n], s.HexOutput))
		}
		if err != nil {
			if peer.Ctx.Err() == nil {
				s.printf("connection closed: %v\n", err)
				s.lock.Lock()
				if s.peer == peer {
					s.peer = nil
					s.setPrompt(unconnectedPrompt)
				}
				s.lock.Unlock()
			}
			return
		}
	}
}

// Run runs the shell. args are processed as commands separated by ";"
// without an interactive shell.
func (s *Shell) Run(args ...string) {
	if s.Addr != "" {
		if s.Interactive {
			s.printf("Connecting %s ...\n", s.Addr)
		}
		if err := s.Connect(s.Addr); err != nil {
			log.Fatalf("connect %q failed: %v", s.Addr, err)
		}
	}

	if len(args) > 0 {
		for _, cmd := range SplitCommands(args) {
			if err := s.Shell.Process(cmd...); err != nil {
				log.Fatalln(err)
			}
		}
		if s.Peer() != nil {
			time.Sleep(s.Linger)
		}
		s.Disconnect()
		return
	}
	if s.Interactive {
		s.Shell.Run()
		s.Disconnect()
		return
	}
	log.Fatalln("command expected")
}

// SplitCommands splits args into commands separated by ";".
func SplitCommands(args []string) [][]string {
	var cmds [][]string
	var cmd []string
	for _, arg := range args {
		if arg == ";" {
			if len(cmd) > 0 {
				cmds = append(cmds, cmd)
			}
			cmd = nil
			continue
		}
		cmd = append(cmd, arg)
	}
	if len(cmd) > 0 {
		cmds = append(cmds, cmd)
	}
	return cmds
}

var (
	// ConnectCmd connects a bridge.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "ADDR",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(fmt.Errorf("address expected"))
				return
			}
			if err := ShellFrom(c).Connect(c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd disconnects the bridge.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}

	// SendCmd sends text, arguments are joined by a space.
	SendCmd = ishell.Cmd{
		Name:    "send",
		Aliases: []string{"s"},
		Help:    "TEXT...",
		Func: MustBeConnected(func(c *ishell.Context) {
			if err := ShellFrom(c).Send([]byte(strings.Join(c.Args, " "))); err != nil {
				c.Err(err)
			}
		}),
	}

	// HexCmd sends bytes written in hex.
	HexCmd = ishell.Cmd{
		Name:    "hex",
		Aliases: []string{"x"},
		Help:    "HEX...",
		Func: MustBeConnected(func(c *ishell.Context) {
			data, err := ParseHex(c.Args...)
			if err != nil {
				c.Err(err)
				return
			}
			if err := ShellFrom(c).Send(data); err != nil {
				c.Err(err)
			}
		}),
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New().Run(flag.Args()...)
}
