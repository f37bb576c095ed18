package cli

import (
	"context"
	"time"

	"github.com/roadrunner-server/harness/kafkabus"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

type messageView struct {
	Topic     string            `json:"topic"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       string            `json:"key,omitempty"`
	Value     any               `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func viewMessage(m kafkabus.ConsumedMessage) messageView {
	v := messageView{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       string(m.Key),
		Value:     kafkabus.ParseMessage(m),
		Timestamp: m.Timestamp,
	}

	if len(m.Headers) > 0 {
		v.Headers = make(map[string]string, len(m.Headers))
		for k, val := range m.Headers {
			v.Headers[k] = string(val)
		}
	}

	return v
}

// bus returns a connected bus.
func (a *App) bus(cmd *cobra.Command) (*kafkabus.Bus, error) {
	h, err := a.Harness(cmd.Context())
	if err != nil {
		return nil, err
	}

	b := h.Bus()
	if err = b.Connect(cmd.Context()); err != nil {
		return nil, err
	}

	return b, nil
}

func newPublishCmd(a *App) *cobra.Command {
	var (
		key       string
		partition int32
		headers   []string
		topics    []string
	)

	cmd := &cobra.Command{
		Use:   "publish TOPIC VALUE...",
		Short: "Publish one or more messages to a topic",
		Long:  "Publish one or more messages to a topic. With --also, the first value is published to every listed topic in order.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.bus(cmd)
			if err != nil {
				return err
			}

			if len(topics) > 0 {
				return b.PublishToMany(cmd.Context(), append([]string{args[0]}, topics...), parseValue(args[1]))
			}

			hdrs, err := parseKV(headers, "=")
			if err != nil {
				return err
			}

			req := kafkabus.ProduceRequest{Topic: args[0]}
			for _, raw := range args[1:] {
				m := kafkabus.Message{Value: parseValue(raw), Headers: hdrs}
				if key != "" {
					m.Key = []byte(key)
				}
				if partition >= 0 {
					m.Partition = kafkabus.Partition(partition)
				}
				req.Messages = append(req.Messages, m)
			}

			if err = b.Publish(cmd.Context(), req); err != nil {
				return err
			}

			cmd.Printf("published %d message(s) to %s\n", len(req.Messages), args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "message key")
	cmd.Flags().Int32VarP(&partition, "partition", "p", -1, "explicit partition, -1 lets the partitioner choose")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "record header as key=value, repeatable")
	cmd.Flags().StringSliceVar(&topics, "also", nil, "more topics to publish the first value to")

	return cmd
}

func newConsumeCmd(a *App) *cobra.Command {
	var (
		group         string
		fromBeginning bool
		timeout       time.Duration
		maxMessages   int
		noCommit      bool
	)

	cmd := &cobra.Command{
		Use:   "consume TOPIC",
		Short: "Collect messages until the timeout or the message limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.bus(cmd)
			if err != nil {
				return err
			}

			if group == "" {
				group = kafkabus.UniqueName("harness-cli")
			}

			msgs, err := b.Consume(cmd.Context(), kafkabus.ConsumeQuery{
				Topic:         args[0],
				GroupID:       group,
				FromBeginning: fromBeginning,
				Timeout:       timeout,
				MaxMessages:   maxMessages,
				AutoCommit:    kafkabus.Bool(!noCommit),
			})
			if err != nil {
				return err
			}

			views := make([]messageView, 0, len(msgs))
			for _, m := range msgs {
				views = append(views, viewMessage(m))
			}

			return printJSON(cmd.OutOrStdout(), views)
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "consumer group (default: a fresh unique group)")
	cmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "start at the earliest offset when the group has none")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "hard deadline (default: KAFKA_TIMEOUT)")
	cmd.Flags().IntVarP(&maxMessages, "max", "n", 0, "stop after this many messages (default 10)")
	cmd.Flags().BoolVar(&noCommit, "no-commit", false, "do not commit consumed offsets")

	return cmd
}

func newWaitCmd(a *App) *cobra.Command {
	var (
		group         string
		fromBeginning bool
		timeout       time.Duration
		match         []string
	)

	cmd := &cobra.Command{
		Use:   "wait TOPIC",
		Short: "Wait for the first message whose JSON value matches every --match path=value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := parseKV(match, "=")
			if err != nil {
				return err
			}

			b, err := a.bus(cmd)
			if err != nil {
				return err
			}

			if group == "" {
				group = kafkabus.UniqueName("harness-cli")
			}

			m, err := b.WaitFor(cmd.Context(), kafkabus.ConsumeQuery{
				Topic:         args[0],
				GroupID:       group,
				FromBeginning: fromBeginning,
				Timeout:       timeout,
			}, matcher(want))
			if err != nil {
				return err
			}

			if m == nil {
				cmd.PrintErrln("no matching message before the deadline")
				return printJSON(cmd.OutOrStdout(), nil)
			}

			return printJSON(cmd.OutOrStdout(), viewMessage(*m))
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "consumer group (default: a fresh unique group)")
	cmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "start at the earliest offset when the group has none")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "how long to wait")
	cmd.Flags().StringArrayVarP(&match, "match", "m", nil, "gjson path and expected value as path=value, repeatable")

	return cmd
}

// matcher accepts messages whose value has every path set to the expected
// string form; no conditions accept the first message.
func matcher(want map[string]string) func(kafkabus.ConsumedMessage) bool {
	return func(m kafkabus.ConsumedMessage) bool {
		for path, expected := range want {
			res := gjson.GetBytes(m.Value, path)
			if !res.Exists() || res.String() != expected {
				return false
			}
		}
		return true
	}
}

func newTopicsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage topics",
	}

	var (
		partitions  int32
		replication int16
	)

	create := &cobra.Command{
		Use:   "create TOPIC...",
		Short: "Create topics, existing ones are left alone",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.bus(cmd)
			if err != nil {
				return err
			}

			for _, t := range args {
				err = b.RetryOperation(cmd.Context(), "create topic "+t, func(ctx context.Context) error {
					return b.CreateTopic(ctx, t, partitions, replication)
				})
				if err != nil {
					return err
				}
				cmd.Printf("created %s (partitions=%d)\n", t, partitions)
			}

			return nil
		},
	}
	create.Flags().Int32Var(&partitions, "partitions", 1, "partition count")
	create.Flags().Int16Var(&replication, "replication", 1, "replication factor")

	remove := &cobra.Command{
		Use:   "delete TOPIC...",
		Short: "Delete topics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.bus(cmd)
			if err != nil {
				return err
			}

			for _, t := range args {
				if err = b.DeleteTopic(cmd.Context(), t); err != nil {
					return err
				}
				cmd.Printf("deleted %s\n", t)
			}

			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.bus(cmd)
			if err != nil {
				return err
			}

			topics, err := b.ListTopics(cmd.Context())
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), topics)
		},
	}

	cmd.AddCommand(create, remove, list)
	return cmd
}
