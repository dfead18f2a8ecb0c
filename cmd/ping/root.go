package ping

import (
	"fmt"
	"time"

	cmdUtil "github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var PingCmd = &cobra.Command{
	Use:   "ping [message]",
	Short: "Send a request to a server and print the response",
	Long:  `Send a single request to a running server and print the response together with the round trip time. Useful for checking connectivity and security settings.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	cobra.OnInitialize(cmdUtil.InitClientConfig)
	cmdUtil.SetupRPCClientFlags(PingCmd)
}

func run(cmd *cobra.Command, args []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	message := "ping"
	if len(args) > 0 {
		message = args[0]
	}

	c, err := client.Connect(cmdUtil.GetClientConfig())
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	resp, err := c.Send([]byte(message))
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s, endpoints: %s)\n", resp, time.Since(start).Round(time.Microsecond), viper.GetString("endpoints"))
	return nil
}
