// Command mopadmin issues one-shot management operations against a
// running central post office. It connects as a manager post office, so
// the name and secret given must match a manager client in the central
// post office's configuration.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mopmsg/mop/message"
	"github.com/mopmsg/mop/mop"
)

const replyTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:  "mopadmin",
		Usage: "manage a running central post office",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "localhost", Usage: "central post office host"},
			&cli.IntFlag{Name: "port", Value: 4000, Usage: "central post office port"},
			&cli.StringFlag{Name: "name", Value: "admin", Usage: "manager post office name"},
			&cli.StringFlag{Name: "secret", Required: true, Usage: "manager shared secret (base-64)"},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "show broker and per-client statistics",
				Action: withSession(statusCmd),
			},
			{
				Name:   "connected",
				Usage:  "list currently connected post offices",
				Action: withSession(connectedCmd),
			},
			{
				Name:   "monitor",
				Usage:  "show broker host and runtime telemetry",
				Action: withSession(monitorCmd),
			},
			{
				Name:   "write",
				Usage:  "persist the broker's current client configuration",
				Action: withSession(writeCmd),
			},
			{
				Name:      "add",
				Usage:     "add a post office client; generates a secret when none is given",
				ArgsUsage: "<name> [secret]",
				Action:    withSession(addCmd),
			},
			{
				Name:      "delete",
				Usage:     "delete a post office client",
				ArgsUsage: "<name>",
				Action:    withSession(deleteCmd),
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("mopadmin failed")
	}
}

// session is a short-lived manager post office with one mailbox.
type session struct {
	po     *mop.PostOffice
	box    *mop.Mailbox
	secret []byte
}

func withSession(cmd func(*cli.Context, *session) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		logrus.SetLevel(logrus.WarnLevel)

		po, err := mop.NewPostOffice(mop.Config{
			Name:      c.String("name"),
			Secret:    c.String("secret"),
			QueueSize: 50,
			CPOHost:   c.String("host"),
			CPOPort:   c.Int("port"),
		})
		if err != nil {
			return err
		}
		defer po.Shutdown()

		box, err := po.CreateMailbox("admin")
		if err != nil {
			return err
		}

		po.Connect()
		deadline := time.Now().Add(replyTimeout)
		for !po.IsConnected() {
			if time.Now().After(deadline) {
				return errors.New("could not connect to the central post office")
			}
			time.Sleep(50 * time.Millisecond)
		}

		secret, err := message.DecodeBytes(c.String("secret"))
		if err != nil {
			return fmt.Errorf("invalid secret: %w", err)
		}
		return cmd(c, &session{po: po, box: box, secret: secret})
	}
}

func (s *session) request(m *message.Message) (*message.Message, error) {
	reply, err := s.box.SendAndWaitForReply(m, replyTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Type, err)
	}
	return reply, nil
}

func statusCmd(_ *cli.Context, s *session) error {
	reply, err := s.request(s.box.CreateDirectMessage("central.po", message.TypeStatus, true))
	if err != nil {
		return err
	}
	if err := reply.Decrypt(s.secret); err != nil {
		return fmt.Errorf("decrypting status clients subtree: %w", err)
	}
	fmt.Println(reply.String())
	return nil
}

func connectedCmd(_ *cli.Context, s *session) error {
	reply, err := s.request(s.box.CreateDirectMessage("central.po", message.TypeConnected, true))
	if err != nil {
		return err
	}
	fmt.Println(reply.GetStringDotted(message.AttrPostOffices))
	return nil
}

func monitorCmd(_ *cli.Context, s *session) error {
	reply, err := s.request(s.box.CreateDirectMessage("central.po", message.TypeMonitor, true))
	if err != nil {
		return err
	}
	fmt.Println(reply.String())
	return nil
}

func writeCmd(_ *cli.Context, s *session) error {
	if _, err := s.request(s.box.CreateDirectMessage("central.po", message.TypeWrite, true)); err != nil {
		return err
	}
	fmt.Println("configuration written")
	return nil
}

func addCmd(c *cli.Context, s *session) error {
	name := c.Args().Get(0)
	if name == "" {
		return errors.New("usage: add <name> [secret]")
	}
	secret := c.Args().Get(1)
	if secret == "" {
		id := uuid.New()
		secret = message.EncodeBytes(id[:])
	}

	m := s.box.CreateDirectMessage("central.po", message.TypeAdd, true)
	m.PutDotted(message.AttrName, name)
	m.PutDotted(message.AttrSecret, secret)
	if err := m.Encrypt(s.secret, message.AttrName, message.AttrSecret); err != nil {
		return err
	}
	if _, err := s.request(m); err != nil {
		return err
	}
	fmt.Printf("added %s with secret %s\n", name, secret)
	return nil
}

func deleteCmd(c *cli.Context, s *session) error {
	name := c.Args().Get(0)
	if name == "" {
		return errors.New("usage: delete <name>")
	}

	m := s.box.CreateDirectMessage("central.po", message.TypeDelete, true)
	m.PutDotted(message.AttrName, name)
	if err := m.Encrypt(s.secret, message.AttrName); err != nil {
		return err
	}
	if _, err := s.request(m); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", name)
	return nil
}
