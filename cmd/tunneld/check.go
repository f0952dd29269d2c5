package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qiudaomao/node-frp/internal/bootstrap"
	"github.com/qiudaomao/node-frp/pkg/errwrap"
)

func init() {
	cmdRoot.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check configuration",
	Run: func(cmd *cobra.Command, args []string) {
		conf := &bootstrap.ServerConfig{}
		if err := bootstrap.LoadFromFile(cfgFile, conf); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		if err := errwrap.PanicToError(conf.OnInit); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Printf("tunneld: the configuration file %s syntax is ok\n", cfgFile)
	},
}
