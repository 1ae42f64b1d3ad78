package chain

// ABI fragments for the CollateralVault settlement contract and the bot
// directory. Only the functions and events the agent touches are declared.

const vaultABI = `[
  {"type":"function","name":"commitBilateralBet","stateMutability":"nonpayable",
   "inputs":[
     {"name":"bet","type":"tuple","components":[
       {"name":"tradesRoot","type":"bytes32"},
       {"name":"creator","type":"address"},
       {"name":"filler","type":"address"},
       {"name":"creatorAmount","type":"uint256"},
       {"name":"fillerAmount","type":"uint256"},
       {"name":"deadline","type":"uint256"},
       {"name":"nonce","type":"uint256"},
       {"name":"expiry","type":"uint256"}]},
     {"name":"creatorSig","type":"bytes"},
     {"name":"fillerSig","type":"bytes"}],
   "outputs":[{"name":"betId","type":"uint256"}]},
  {"type":"function","name":"settleByAgreement","stateMutability":"nonpayable",
   "inputs":[
     {"name":"agreement","type":"tuple","components":[
       {"name":"betId","type":"uint256"},
       {"name":"winner","type":"address"},
       {"name":"winsCount","type":"uint256"},
       {"name":"validTrades","type":"uint256"},
       {"name":"isTie","type":"bool"},
       {"name":"expiry","type":"uint256"},
       {"name":"settlementNonce","type":"uint256"}]},
     {"name":"sigA","type":"bytes"},
     {"name":"sigB","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"requestArbitration","stateMutability":"nonpayable",
   "inputs":[{"name":"betId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getBet","stateMutability":"view",
   "inputs":[{"name":"betId","type":"uint256"}],
   "outputs":[
     {"name":"status","type":"uint8"},
     {"name":"creator","type":"address"},
     {"name":"filler","type":"address"},
     {"name":"tradesRoot","type":"bytes32"},
     {"name":"deadline","type":"uint256"}]},
  {"type":"function","name":"nonces","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balances","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"available","type":"uint256"},{"name":"locked","type":"uint256"}]},
  {"type":"function","name":"activeKeeperCount","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Committed","anonymous":false,
   "inputs":[
     {"name":"betId","type":"uint256","indexed":true},
     {"name":"creator","type":"address","indexed":true},
     {"name":"filler","type":"address","indexed":true},
     {"name":"tradesRoot","type":"bytes32","indexed":false}]},
  {"type":"event","name":"Settled","anonymous":false,
   "inputs":[
     {"name":"betId","type":"uint256","indexed":true},
     {"name":"winner","type":"address","indexed":false}]}
]`

const directoryABI = `[
  {"type":"function","name":"isRegistered","stateMutability":"view",
   "inputs":[{"name":"bot","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getBots","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"endpoints","stateMutability":"view",
   "inputs":[{"name":"bot","type":"address"}],
   "outputs":[{"name":"","type":"string"}]}
]`
